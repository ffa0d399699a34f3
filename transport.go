package signalr

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TransportType names a SignalR transport.
type TransportType string

const (
	// WebSockets is the full-duplex websocket transport.
	WebSockets TransportType = "webSockets"

	// ServerSentEvents receives over an event stream and sends with POST.
	ServerSentEvents TransportType = "serverSentEvents"

	// LongPolling receives with repeated GET requests and sends with POST.
	LongPolling TransportType = "longPolling"
)

// Transports lists every transport in display order.
func Transports() []TransportType {
	return []TransportType{WebSockets, ServerSentEvents, LongPolling}
}

// Label returns the human readable name of the transport.
func (t TransportType) Label() string {
	switch t {
	case WebSockets:
		return "WebSockets"
	case ServerSentEvents:
		return "Server-Sent Events"
	case LongPolling:
		return "Long Polling"
	default:
		return string(t)
	}
}

// wireName is the name used in the negotiate response.
func (t TransportType) wireName() string {
	switch t {
	case ServerSentEvents:
		return "ServerSentEvents"
	case LongPolling:
		return "LongPolling"
	default:
		return "WebSockets"
	}
}

// ParseTransport accepts the transport key, its label or a short alias, in
// any case.
func ParseTransport(s string) (TransportType, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", " ", "", "_", "").Replace(strings.TrimSpace(s)))
	switch normalized {
	case "websockets", "websocket", "ws":
		return WebSockets, nil
	case "serversentevents", "sse":
		return ServerSentEvents, nil
	case "longpolling", "lp", "poll":
		return LongPolling, nil
	default:
		return "", errors.Errorf("unknown transport %q", s)
	}
}

// Conn is a connected transport. ReadMessage returns the next chunk of text
// from the server; a chunk may hold several hub protocol records.
// WriteMessage is never called concurrently.
type Conn interface {
	ReadMessage() (p []byte, err error)
	WriteMessage(p []byte) error
	Close() error
}

func (c *Client) dial(ctx context.Context, target *url.URL, token string) (Conn, error) {
	switch c.transport() {
	case WebSockets:
		return c.dialWebSockets(ctx, *target, token)
	case ServerSentEvents:
		return dialServerSentEvents(ctx, c.httpClient(), *target, c.requestFactory(token))
	case LongPolling:
		return dialLongPolling(ctx, c.httpClient(), *target, c.requestFactory(token))
	default:
		return nil, errors.Errorf("unsupported transport %q", c.Transport)
	}
}

// requestFactory builds requests carrying the configured headers and token.
type requestFactory func(ctx context.Context, method, u string, body io.Reader) (*http.Request, error)

func (c *Client) requestFactory(token string) requestFactory {
	return func(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
		return c.prepareRequest(ctx, method, u, token, body)
	}
}

// Conditionally encrypt the traffic depending on the initial
// connection's encryption.
func setWebsocketURLScheme(u *url.URL) {
	if u.Scheme == "https" || u.Scheme == "wss" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
}

func (c *Client) makeHeader(token string) http.Header {
	header := make(http.Header)

	for k, v := range c.Headers {
		header.Set(k, v)
	}

	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return header
}

func (c *Client) dialWebSockets(ctx context.Context, target url.URL, token string) (Conn, error) {
	setWebsocketURLScheme(&target)

	var jar http.CookieJar
	if hc := c.httpClient(); hc != nil {
		jar = hc.Jar
	}

	dialer := &websocket.Dialer{
		Proxy:            c.Proxy,
		TLSClientConfig:  c.TLSClientConfig,
		Jar:              jar,
		HandshakeTimeout: c.HandshakeTimeout,
	}

	header := c.makeHeader(token)

	retries := c.MaxConnectRetries
	if retries < 1 {
		retries = 1
	}

	var conn *websocket.Conn
	var err error
	for i := 0; i < retries; i++ {
		var resp *http.Response
		conn, resp, err = dialer.DialContext(ctx, target.String(), header)
		if err == nil {
			break
		}

		if resp == nil {
			// Network level failure, nothing to retry against.
			return nil, errors.Wrapf(err, "dial failed, retry %d", i)
		}

		// According to documentation at
		// https://godoc.org/github.com/gorilla/websocket#Dialer.Dial
		// ErrBadHandshake is the only error returned. Details reside in
		// the response, so that's how we process this error.
		err = errors.Wrapf(err, "%v, retry %d", resp.Status, i)

		if resp.StatusCode != http.StatusServiceUnavailable {
			return nil, err
		}

		c.Logger.Debug("connect: retrying", zap.String("status", resp.Status))
		if werr := sleep(ctx, c.RetryWaitDuration); werr != nil {
			return nil, werr
		}
	}
	if err != nil {
		return nil, err
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		t, p, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		if t == websocket.TextMessage {
			return p, nil
		}
	}
}

func (w *wsConn) WriteMessage(p []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		w.closeErr = w.conn.Close()
	})

	return w.closeErr
}

// inbox hands chunks from a background receiver to ReadMessage.
type inbox struct {
	msgs chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func newInbox() *inbox {
	return &inbox{
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (b *inbox) push(p []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.msgs <- p:
		return true
	case <-b.done:
		return false
	}
}

func (b *inbox) fail(err error) {
	b.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		b.err = err
		close(b.done)
	})
}

func (b *inbox) read() ([]byte, error) {
	select {
	case p := <-b.msgs:
		return p, nil
	case <-b.done:
		select {
		case p := <-b.msgs:
			return p, nil
		default:
			return nil, b.err
		}
	}
}

func postMessage(client *http.Client, newRequest requestFactory, target string, p []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := newRequest(ctx, http.MethodPost, target, strings.NewReader(string(p)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("post failed: %s", resp.Status)
	}

	return nil
}

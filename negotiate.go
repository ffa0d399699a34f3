package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carterjones/signalr-tester/hubs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxRedirects bounds the negotiate redirect chain.
const maxRedirects = 100

// AvailableTransport is one transport offered by the server during
// negotiation.
type AvailableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is the body returned by the negotiate endpoint.
type NegotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []AvailableTransport `json:"availableTransports"`

	// Set when the server redirects the client, e.g. to Azure SignalR.
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`

	Error string `json:"error"`
}

// Supports reports whether the server offered the transport. A response that
// lists no transports is taken to support all of them.
func (n *NegotiateResponse) Supports(t TransportType) bool {
	if len(n.AvailableTransports) == 0 {
		return true
	}

	for _, at := range n.AvailableTransports {
		if strings.EqualFold(at.Transport, t.wireName()) {
			return true
		}
	}

	return false
}

// token returns the value used as the "id" query parameter of the
// transport requests.
func (n *NegotiateResponse) token() string {
	if n.NegotiateVersion >= 1 && n.ConnectionToken != "" {
		return n.ConnectionToken
	}

	return n.ConnectionID
}

func negotiateURL(target url.URL) url.URL {
	target.Path = strings.TrimSuffix(target.Path, "/") + "/negotiate"
	params := target.Query()
	params.Set("negotiateVersion", "1")
	target.RawQuery = params.Encode()

	return target
}

func (c *Client) prepareRequest(ctx context.Context, method, u, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "request creation failed")
	}

	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// httpClient returns the client used for HTTP requests. Without
// WithCredentials the cookie jar is left out.
func (c *Client) httpClient() *http.Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	if !c.WithCredentials && hc.Jar != nil {
		cp := *hc
		cp.Jar = nil
		return &cp
	}

	return hc
}

func (c *Client) accessToken() (string, error) {
	if c.AccessTokenFactory == nil {
		return "", nil
	}

	token, err := c.AccessTokenFactory()
	if err != nil {
		return "", errors.Wrap(err, "access token factory failed")
	}

	return strings.TrimSpace(token), nil
}

// Negotiate performs the negotiate request against the configured URL,
// following redirects. It does not change the connection state.
func (c *Client) Negotiate(ctx context.Context) (*NegotiateResponse, error) {
	c.init()

	target, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hub url")
	}

	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	resp, _, _, err := c.negotiate(ctx, target, token)
	return resp, err
}

// negotiate returns the final response together with the URL and token the
// transport must use.
func (c *Client) negotiate(ctx context.Context, target *url.URL, token string) (*NegotiateResponse, *url.URL, string, error) {
	for redirect := 0; redirect < maxRedirects; redirect++ {
		resp, err := c.negotiateOnce(ctx, *target, token)
		if err != nil {
			return nil, nil, "", err
		}

		if resp.Error != "" {
			return nil, nil, "", errors.Errorf("negotiate rejected: %s", resp.Error)
		}

		if resp.URL == "" {
			if !resp.Supports(c.transport()) {
				return nil, nil, "", errors.Errorf("the server does not support the '%s' transport", c.transport().Label())
			}
			return resp, target, token, nil
		}

		next, err := url.Parse(resp.URL)
		if err != nil {
			return nil, nil, "", errors.Wrap(err, "invalid redirect url")
		}
		c.Logger.Debug("negotiate redirected", zap.String("url", resp.URL))
		target = next
		if resp.AccessToken != "" {
			token = resp.AccessToken
		}
	}

	return nil, nil, "", errors.New("negotiate redirection limit exceeded")
}

func (c *Client) negotiateOnce(ctx context.Context, target url.URL, token string) (*NegotiateResponse, error) {
	u := negotiateURL(target)

	retries := c.MaxNegotiateRetries
	if retries < 1 {
		retries = 1
	}

	var err error
	errOccurred := false

	for i := 0; i < retries; i++ {
		var req *http.Request
		req, err = c.prepareRequest(ctx, http.MethodPost, u.String(), token, nil)
		if err != nil {
			return nil, errors.Wrap(err, "request preparation failed")
		}

		var resp *http.Response
		resp, err = c.httpClient().Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "request failed")
		}

		switch resp.StatusCode {
		case http.StatusOK:
			// Everything worked, so do nothing.
		case http.StatusServiceUnavailable, 524:
			_ = resp.Body.Close()
			err = errors.Errorf("request failed: %s", resp.Status)
			c.Logger.Debug("negotiate: retrying", zap.String("status", resp.Status))
			errOccurred = true
			if werr := sleep(ctx, c.RetryWaitDuration); werr != nil {
				return nil, werr
			}
			continue
		default:
			_ = resp.Body.Close()
			return nil, errors.Errorf("server responded with %s", resp.Status)
		}

		parsed, perr := processNegotiateResponse(resp.Body)
		if errOccurred && perr == nil {
			c.Logger.Debug("the negotiate retry was successful")
		}

		return parsed, perr
	}

	return nil, err
}

func processNegotiateResponse(body io.ReadCloser) (resp *NegotiateResponse, err error) {
	defer func() {
		derr := body.Close()
		if derr != nil && err == nil {
			err = errors.Wrap(derr, "error in defer")
		}
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "read failed")
	}

	resp = new(NegotiateResponse)
	if err = json.Unmarshal(data, resp); err != nil {
		return nil, errors.Wrap(err, "json unmarshal failed")
	}

	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait interrupted")
	}
}

// open runs negotiate, connects the transport and performs the handshake.
func (c *Client) open(ctx context.Context) (*link, error) {
	target, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hub url")
	}

	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	var connectionID string
	if c.SkipNegotiation && c.transport() == WebSockets {
		c.Logger.Debug("skipping negotiation")
	} else {
		var resp *NegotiateResponse
		resp, target, token, err = c.negotiate(ctx, target, token)
		if err != nil {
			return nil, errors.Wrap(err, "negotiate failed")
		}
		connectionID = resp.ConnectionID

		withID := *target
		params := withID.Query()
		params.Set("id", resp.token())
		withID.RawQuery = params.Encode()
		target = &withID
	}

	conn, err := c.dial(ctx, target, token)
	if err != nil {
		return nil, errors.Wrap(err, "connect failed")
	}

	l := &link{
		conn:         conn,
		reader:       &recordReader{conn: conn},
		connectionID: connectionID,
	}

	if err := c.handshake(ctx, l); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "handshake failed")
	}

	return l, nil
}

func (c *Client) handshake(ctx context.Context, l *link) error {
	data, err := hubs.Frame(hubs.JSONHandshake)
	if err != nil {
		return err
	}

	l.writeMux.Lock()
	err = l.conn.WriteMessage(data)
	l.writeMux.Unlock()
	if err != nil {
		return errors.Wrap(err, "handshake send failed")
	}

	result := make(chan error, 1)
	go func() {
		record, err := l.reader.next()
		if err != nil {
			result <- errors.Wrap(err, "handshake read failed")
			return
		}
		result <- hubs.ParseHandshake(record)
	}()

	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-result:
		return err
	case <-t.C:
		_ = l.conn.Close()
		<-result
		return ErrHandshakeTimeout
	case <-ctx.Done():
		_ = l.conn.Close()
		<-result
		return errors.Wrap(ctx.Err(), "handshake interrupted")
	}
}

// recordReader turns transport chunks into single hub protocol records.
type recordReader struct {
	conn  Conn
	rest  []byte
	queue [][]byte
}

func (r *recordReader) next() ([]byte, error) {
	for len(r.queue) == 0 {
		p, err := r.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		buf := append(r.rest, p...)
		records, rest := hubs.Split(buf)
		r.queue = records
		r.rest = bytes.Clone(rest)
	}

	record := r.queue[0]
	r.queue = r.queue[1:]

	return record, nil
}

package signalr_test

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carterjones/signalr-tester"
	"github.com/elazarl/goproxy"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func red(s string) string {
	return "\033[31m" + s + "\033[39m"
}

func equals(tb testing.TB, id string, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s: \n\texp: %#v\n\tgot: %#v\n"),
			filepath.Base(file), line, id, exp, act)
	}
}

func ok(tb testing.TB, id string, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s | unexpected error: %s\n"),
			filepath.Base(file), line, id, err.Error())
	}
}

func notNil(tb testing.TB, id string, act interface{}) {
	if act == nil {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d (%s):\n\texp: a non-nil value\n\tgot: %#v\n"),
			filepath.Base(file), line, id, act)
	}
}

// Note: this is largely derived from
// https://github.com/golang/go/blob/1c69384da4fb4a1323e011941c101189247fea67/src/net/http/response_test.go#L915-L940
func errMatches(tb testing.TB, id string, err error, wantErr interface{}) {
	if err == nil {
		if wantErr == nil {
			return
		}

		if sub, ok := wantErr.(string); ok {
			tb.Errorf(red("%s | unexpected success; want error with substring %q"), id, sub)
			return
		}

		tb.Errorf(red("%s | unexpected success; want error %v"), id, wantErr)
		return
	}

	if wantErr == nil {
		tb.Errorf(red("%s | %v; want success"), id, err)
		return
	}

	if sub, ok := wantErr.(string); ok {
		if strings.Contains(err.Error(), sub) {
			return
		}
		tb.Errorf(red("%s | error = %v; want an error with substring %q"), id, err, sub)
		return
	}

	if errors.Is(err, wantErr.(error)) {
		return
	}

	tb.Errorf(red("%s | %v; want %v"), id, err, wantErr)
}

func waitFor(tb testing.TB, id string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, file, line, _ := runtime.Caller(1)
	tb.Fatalf(red("%s:%d %s | condition not met in time"), filepath.Base(file), line, id)
}

func newTestServer(h http.Handler, tls bool) (ts *httptest.Server) {
	if tls {
		// Create the server.
		ts = httptest.NewTLSServer(h)

		// Trust the testing certificate for websocket dials.
		ts.TLS.RootCAs = x509.NewCertPool()
		ts.TLS.RootCAs.AddCert(ts.Certificate())
	} else {
		// Create the server.
		ts = httptest.NewServer(h)
	}

	return
}

func newTestClient(ts *httptest.Server, transport signalr.TransportType) *signalr.Client {
	c := signalr.New(ts.URL + "/hub")
	c.Transport = transport
	c.HTTPClient = ts.Client()
	c.Proxy = nil
	c.RetryWaitDuration = 1 * time.Millisecond
	c.ReconnectDelays = []time.Duration{0, 10 * time.Millisecond, 10 * time.Millisecond}

	if ts.TLS != nil {
		c.TLSClientConfig = ts.TLS
	}

	return c
}

// startHub runs a TestHub and returns a cleanup that tears it down in the
// right order.
func startHub(tls bool) (*signalr.TestHub, *httptest.Server, func()) {
	hub := signalr.NewTestHub()
	hub.PollWait = 200 * time.Millisecond
	ts := newTestServer(hub, tls)

	return hub, ts, func() {
		hub.Close()
		ts.Close()
	}
}

func stop(tb testing.TB, id string, c *signalr.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok(tb, id, c.Stop(ctx))
}

// newWebSocketServer upgrades every request and hands the socket to serve.
func newWebSocketServer(serve func(r *http.Request, ws *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}

	return newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(r, ws)
	}), false)
}

// drain reads until the client goes away.
func drain(ws *websocket.Conn, each func(data []byte)) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if each != nil {
			each(data)
		}
	}
}

func throw503Error(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("503 error"))
}

func throw404Error(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("404 error"))
}

func TestClient_Negotiate(t *testing.T) {
	cases := map[string]struct {
		fn        http.HandlerFunc
		TLS       bool
		transport signalr.TransportType
		expID     string
		wantErr   string
	}{
		"successful http": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"connectionId":"1234-ABC","connectionToken":"hello world","negotiateVersion":1,"availableTransports":[{"transport":"WebSockets","transferFormats":["Text"]}]}`))
			},
			expID: "1234-ABC",
		},
		"successful https": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"connectionId":"1234-ABC","negotiateVersion":0}`))
			},
			TLS:   true,
			expID: "1234-ABC",
		},
		"503 error": {
			fn:      throw503Error,
			wantErr: "503 Service Unavailable",
		},
		"404 error": {
			fn:      throw404Error,
			wantErr: "server responded with 404 Not Found",
		},
		"invalid json": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("invalid json"))
			},
			wantErr: "invalid character 'i' looking for beginning of value",
		},
		"server error": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"error":"hub is full"}`))
			},
			wantErr: "negotiate rejected: hub is full",
		},
		"transport not offered": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"connectionId":"x","availableTransports":[{"transport":"WebSockets","transferFormats":["Text"]}]}`))
			},
			transport: signalr.LongPolling,
			wantErr:   "the server does not support the 'Long Polling' transport",
		},
	}

	for id, tc := range cases {
		ts := newTestServer(tc.fn, tc.TLS)
		defer ts.Close()

		c := newTestClient(ts, tc.transport)
		resp, err := c.Negotiate(context.Background())

		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}

		ok(t, id, err)
		notNil(t, id, resp)
		if resp != nil {
			equals(t, id, tc.expID, resp.ConnectionID)
		}
	}
}

func TestClient_NegotiateRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotCustom, gotMethod string
	ts := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.Write([]byte(`{"connectionId":"abc"}`))
	}), false)
	defer ts.Close()

	c := newTestClient(ts, signalr.WebSockets)
	c.Headers["X-Custom"] = "value"
	c.AccessTokenFactory = func() (string, error) { return " secret ", nil }

	_, err := c.Negotiate(context.Background())
	ok(t, "negotiate", err)

	equals(t, "method", http.MethodPost, gotMethod)
	equals(t, "path", "/hub/negotiate", gotPath)
	equals(t, "query", "negotiateVersion=1", gotQuery)
	equals(t, "authorization", "Bearer secret", gotAuth)
	equals(t, "custom header", "value", gotCustom)
}

func TestClient_NegotiateRetries(t *testing.T) {
	var calls atomic.Int32
	ts := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			throw503Error(w, r)
			return
		}
		w.Write([]byte(`{"connectionId":"abc"}`))
	}), false)
	defer ts.Close()

	c := newTestClient(ts, signalr.WebSockets)
	resp, err := c.Negotiate(context.Background())
	ok(t, "negotiate", err)
	equals(t, "connection id", "abc", resp.ConnectionID)
	equals(t, "calls", int32(3), calls.Load())
}

func TestClient_StartInvoke(t *testing.T) {
	cases := map[string]struct {
		method  string
		args    []interface{}
		exp     string
		wantErr string
	}{
		"echo text": {
			method: "Echo",
			args:   []interface{}{"hello"},
			exp:    `"hello"`,
		},
		"echo object": {
			method: "Echo",
			args:   []interface{}{map[string]interface{}{"a": 1}},
			exp:    `{"a":1}`,
		},
		"add numbers": {
			method: "Add",
			args:   []interface{}{2, 3.5},
			exp:    `5.5`,
		},
		"void": {
			method: "Void",
		},
		"failure": {
			method:  "Fail",
			wantErr: "An unexpected error occurred invoking 'Fail' on the server.",
		},
		"unknown method": {
			method:  "Nope",
			wantErr: "Unknown hub method 'Nope'",
		},
	}

	for _, transport := range signalr.Transports() {
		for _, tls := range []bool{false, true} {
			func() {
				_, ts, cleanup := startHub(tls)
				defer cleanup()

				c := newTestClient(ts, transport)
				prefix := transport.Label()
				if tls {
					prefix += " tls"
				}

				err := c.Start(context.Background())
				ok(t, prefix+" start", err)
				if err != nil {
					return
				}
				defer stop(t, prefix+" stop", c)

				equals(t, prefix+" state", signalr.Connected, c.State())
				equals(t, prefix+" has connection id", true, c.ConnectionID() != "")

				for id, tc := range cases {
					id = prefix + " " + id

					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					res, err := c.Invoke(ctx, tc.method, tc.args...)
					cancel()

					if tc.wantErr != "" {
						errMatches(t, id, err, tc.wantErr)
						var invErr *signalr.InvocationError
						equals(t, id+" invocation error", true, errors.As(err, &invErr))
						continue
					}

					ok(t, id, err)
					equals(t, id, tc.exp, string(res))
				}
			}()
		}
	}
}

func TestClient_StateErrors(t *testing.T) {
	_, ts, cleanup := startHub(false)
	defer cleanup()

	c := newTestClient(ts, signalr.WebSockets)

	_, err := c.Invoke(context.Background(), "Echo", "x")
	errMatches(t, "invoke while disconnected", err, signalr.ErrNotConnected)

	err = c.Send(context.Background(), "Echo", "x")
	errMatches(t, "send while disconnected", err, signalr.ErrNotConnected)

	ok(t, "stop while disconnected", c.Stop(context.Background()))

	ok(t, "start", c.Start(context.Background()))
	errMatches(t, "start twice", c.Start(context.Background()), signalr.ErrNotDisconnected)

	stop(t, "stop", c)
	equals(t, "state after stop", signalr.Disconnected, c.State())

	ok(t, "restart", c.Start(context.Background()))
	stop(t, "stop again", c)
}

func TestClient_StartFailure(t *testing.T) {
	ts := newTestServer(http.HandlerFunc(throw404Error), false)
	defer ts.Close()

	c := newTestClient(ts, signalr.WebSockets)
	err := c.Start(context.Background())

	errMatches(t, "start", err, "negotiate failed: server responded with 404 Not Found")
	equals(t, "state", signalr.Disconnected, c.State())
}

func TestClient_On(t *testing.T) {
	for _, transport := range signalr.Transports() {
		func() {
			hub, ts, cleanup := startHub(false)
			defer cleanup()

			id := transport.Label()
			c := newTestClient(ts, transport)

			received := make(chan []json.RawMessage, 4)
			off := c.On("receivemessage", func(args []json.RawMessage) {
				received <- args
			})

			ok(t, id+" start", c.Start(context.Background()))
			defer stop(t, id+" stop", c)

			_, err := c.Invoke(context.Background(), "Broadcast", "user", "hi")
			ok(t, id+" broadcast", err)

			select {
			case args := <-received:
				equals(t, id+" args", 2, len(args))
				equals(t, id+" first arg", `"user"`, string(args[0]))
			case <-time.After(5 * time.Second):
				t.Errorf(red("%s | no push received"), id)
			}

			off()
			ok(t, id+" push after off", hub.Broadcast("ReceiveMessage", "ignored"))

			// A round trip guarantees the push was read.
			_, err = c.Invoke(context.Background(), "Echo", 1)
			ok(t, id+" echo", err)

			select {
			case args := <-received:
				t.Errorf(red("%s | unexpected push after off: %s"), id, args)
			default:
			}
		}()
	}
}

func TestClient_Off(t *testing.T) {
	hub, ts, cleanup := startHub(false)
	defer cleanup()

	c := newTestClient(ts, signalr.WebSockets)

	var calls atomic.Int32
	c.On("Update", func([]json.RawMessage) { calls.Add(1) })
	c.On("Update", func([]json.RawMessage) { calls.Add(1) })

	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	ok(t, "broadcast", hub.Broadcast("Update", 1))
	waitFor(t, "both handlers", func() bool { return calls.Load() == 2 })

	c.Off("UPDATE")
	ok(t, "broadcast after off", hub.Broadcast("Update", 2))
	_, err := c.Invoke(context.Background(), "Echo", 1)
	ok(t, "echo", err)
	equals(t, "calls after off", int32(2), calls.Load())
}

func TestClient_HandlerPanic(t *testing.T) {
	hub, ts, cleanup := startHub(false)
	defer cleanup()

	c := newTestClient(ts, signalr.WebSockets)
	c.On("Notification", func([]json.RawMessage) { panic("boom") })

	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	ok(t, "broadcast", hub.Broadcast("Notification"))
	_, err := c.Invoke(context.Background(), "Echo", "still alive")
	ok(t, "echo after panic", err)
}

func TestClient_ServerClose(t *testing.T) {
	cases := map[string]struct {
		allowReconnect bool
		expState       signalr.State
		expOpened      int
	}{
		"close without reconnect": {
			expState:  signalr.Disconnected,
			expOpened: 1,
		},
		"close with reconnect": {
			allowReconnect: true,
			expState:       signalr.Connected,
			expOpened:      2,
		},
	}

	for id, tc := range cases {
		func() {
			hub, ts, cleanup := startHub(false)
			defer cleanup()

			c := newTestClient(ts, signalr.WebSockets)

			closed := make(chan error, 1)
			reconnected := make(chan string, 1)
			c.OnClose(func(err error) { closed <- err })
			c.OnReconnected(func(connectionID string) { reconnected <- connectionID })

			ok(t, id+" start", c.Start(context.Background()))
			defer stop(t, id+" stop", c)

			ok(t, id+" send", c.Send(context.Background(), "Close", tc.allowReconnect))

			if tc.allowReconnect {
				select {
				case connectionID := <-reconnected:
					equals(t, id+" connection id", c.ConnectionID(), connectionID)
				case <-time.After(5 * time.Second):
					t.Errorf(red("%s | not reconnected"), id)
				}
			} else {
				select {
				case err := <-closed:
					errMatches(t, id, err, "Connection closed by the hub.")
				case <-time.After(5 * time.Second):
					t.Errorf(red("%s | not closed"), id)
				}
			}

			equals(t, id+" state", tc.expState, c.State())
			equals(t, id+" opened", tc.expOpened, hub.Opened())
		}()
	}
}

func TestClient_Reconnect(t *testing.T) {
	for _, transport := range signalr.Transports() {
		func() {
			hub, ts, cleanup := startHub(false)
			defer cleanup()

			id := transport.Label()
			c := newTestClient(ts, transport)

			reconnecting := make(chan error, 1)
			reconnected := make(chan string, 1)
			c.OnReconnecting(func(err error) { reconnecting <- err })
			c.OnReconnected(func(connectionID string) { reconnected <- connectionID })

			ok(t, id+" start", c.Start(context.Background()))
			defer stop(t, id+" stop", c)
			first := c.ConnectionID()

			hub.Drop()

			select {
			case err := <-reconnecting:
				notNil(t, id+" reconnecting error", err)
			case <-time.After(5 * time.Second):
				t.Errorf(red("%s | reconnecting not reported"), id)
				return
			}

			select {
			case connectionID := <-reconnected:
				equals(t, id+" new connection id", true, connectionID != first)
			case <-time.After(5 * time.Second):
				t.Errorf(red("%s | reconnected not reported"), id)
				return
			}

			res, err := c.Invoke(context.Background(), "Echo", "again")
			ok(t, id+" echo after reconnect", err)
			equals(t, id+" result", `"again"`, string(res))
		}()
	}
}

func TestClient_ReconnectExhausted(t *testing.T) {
	hub := signalr.NewTestHub()
	var down atomic.Bool
	ts := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			throw404Error(w, r)
			return
		}
		hub.ServeHTTP(w, r)
	}), false)
	defer ts.Close()
	defer hub.Close()

	c := newTestClient(ts, signalr.WebSockets)
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	ok(t, "start", c.Start(context.Background()))

	down.Store(true)
	hub.Drop()

	select {
	case err := <-closed:
		errMatches(t, "close error", err, signalr.ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal(red("connection was not closed"))
	}

	equals(t, "state", signalr.Disconnected, c.State())
}

func TestClient_InvokeConnectionLost(t *testing.T) {
	_, ts, cleanup := startHub(false)
	defer cleanup()

	c := newTestClient(ts, signalr.WebSockets)
	c.ReconnectDelays = nil

	ok(t, "start", c.Start(context.Background()))

	// Close never completes; the hub drops the connection instead.
	_, err := c.Invoke(context.Background(), "Close", false)
	errMatches(t, "pending invocation", err, signalr.ErrConnectionClosed)

	waitFor(t, "disconnected", func() bool { return c.State() == signalr.Disconnected })
}

func TestClient_InvokeCanceled(t *testing.T) {
	_, ts, cleanup := startHub(false)
	defer cleanup()

	c := newTestClient(ts, signalr.WebSockets)
	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Invoke(ctx, "Echo", 1)
	errMatches(t, "canceled", err, "invocation canceled")
}

func TestClient_AccessToken(t *testing.T) {
	cases := map[string]struct {
		token   string
		wantErr string
	}{
		"valid token": {
			token: "letmein",
		},
		"wrong token": {
			token:   "nope",
			wantErr: "401 Unauthorized",
		},
	}

	for id, tc := range cases {
		func() {
			hub, ts, cleanup := startHub(false)
			defer cleanup()
			hub.RequireToken = "letmein"

			c := newTestClient(ts, signalr.WebSockets)
			token := tc.token
			c.AccessTokenFactory = func() (string, error) { return token, nil }

			err := c.Start(context.Background())
			if tc.wantErr != "" {
				errMatches(t, id, err, tc.wantErr)
				return
			}

			ok(t, id, err)
			stop(t, id+" stop", c)
		}()
	}
}

func TestClient_NegotiateRedirect(t *testing.T) {
	hub, target, cleanup := startHub(false)
	defer cleanup()
	hub.RequireToken = "redirected"

	front := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"` + target.URL + `/hub","accessToken":"redirected"}`))
	}), false)
	defer front.Close()

	c := newTestClient(front, signalr.WebSockets)
	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	res, err := c.Invoke(context.Background(), "Echo", "via redirect")
	ok(t, "echo", err)
	equals(t, "result", `"via redirect"`, string(res))
}

func TestClient_SkipNegotiation(t *testing.T) {
	var negotiated atomic.Bool
	hub := signalr.NewTestHub()
	ts := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/negotiate") {
			negotiated.Store(true)
		}
		hub.ServeHTTP(w, r)
	}), false)
	defer ts.Close()
	defer hub.Close()

	c := newTestClient(ts, signalr.WebSockets)
	c.SkipNegotiation = true

	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	equals(t, "negotiated", false, negotiated.Load())
	equals(t, "connection id", "", c.ConnectionID())

	res, err := c.Invoke(context.Background(), "Add", 1, 2)
	ok(t, "add", err)
	equals(t, "result", "3", string(res))
}

func TestClient_Proxy(t *testing.T) {
	_, ts, cleanup := startHub(false)
	defer cleanup()

	var proxied atomic.Int32
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		proxied.Add(1)
		return r, nil
	})
	ps := httptest.NewServer(proxy)
	defer ps.Close()

	proxyURL, err := url.Parse(ps.URL)
	ok(t, "proxy url", err)

	c := newTestClient(ts, signalr.WebSockets)
	c.Proxy = http.ProxyURL(proxyURL)
	c.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: c.Proxy}}
	defer c.HTTPClient.CloseIdleConnections()

	ok(t, "start", c.Start(context.Background()))
	defer stop(t, "stop", c)

	res, err := c.Invoke(context.Background(), "Echo", "proxied")
	ok(t, "echo", err)
	equals(t, "result", `"proxied"`, string(res))
	equals(t, "negotiate went through the proxy", true, proxied.Load() > 0)
}

func TestParseTransport(t *testing.T) {
	cases := map[string]struct {
		in      string
		exp     signalr.TransportType
		wantErr string
	}{
		"key":          {in: "webSockets", exp: signalr.WebSockets},
		"label":        {in: "Server-Sent Events", exp: signalr.ServerSentEvents},
		"alias":        {in: "lp", exp: signalr.LongPolling},
		"upper case":   {in: "SSE", exp: signalr.ServerSentEvents},
		"unrecognized": {in: "carrier pigeon", wantErr: `unknown transport "carrier pigeon"`},
	}

	for id, tc := range cases {
		act, err := signalr.ParseTransport(tc.in)
		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}

		ok(t, id, err)
		equals(t, id, tc.exp, act)
	}
}

func TestClient_StopDuringStart(t *testing.T) {
	upgrader := websocket.Upgrader{}

	cases := map[string]struct {
		skipNegotiation bool
		stall           func(w http.ResponseWriter, r *http.Request, reached chan<- struct{}, release <-chan struct{})
	}{
		"negotiate": {
			stall: func(w http.ResponseWriter, r *http.Request, reached chan<- struct{}, release <-chan struct{}) {
				reached <- struct{}{}
				select {
				case <-r.Context().Done():
				case <-release:
				}
			},
		},
		"handshake": {
			skipNegotiation: true,
			stall: func(w http.ResponseWriter, r *http.Request, reached chan<- struct{}, _ <-chan struct{}) {
				ws, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer ws.Close()
				reached <- struct{}{}
				drain(ws, nil)
			},
		},
	}

	for id, tc := range cases {
		func() {
			reached := make(chan struct{}, 1)
			release := make(chan struct{})
			ts := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.stall(w, r, reached, release)
			}), false)
			defer ts.Close()
			defer close(release)

			c := newTestClient(ts, signalr.WebSockets)
			c.SkipNegotiation = tc.skipNegotiation
			c.HandshakeTimeout = time.Minute

			started := make(chan error, 1)
			go func() { started <- c.Start(context.Background()) }()

			select {
			case <-reached:
			case <-time.After(5 * time.Second):
				t.Fatalf(red("%s | the server was never reached"), id)
			}
			equals(t, id+" state while starting", signalr.Connecting, c.State())

			stop(t, id+" stop", c)
			errMatches(t, id+" start", <-started, signalr.ErrStoppedDuringStart)
			equals(t, id+" state", signalr.Disconnected, c.State())
		}()
	}
}

func TestClient_Handshake(t *testing.T) {
	cases := map[string]struct {
		reply   string
		wantErr interface{}
	}{
		"accepted":      {reply: "{}\x1e"},
		"rejected":      {reply: `{"error":"Requested protocol 'json' is not available."}` + "\x1e", wantErr: "server rejected the handshake: Requested protocol 'json'"},
		"silent server": {wantErr: signalr.ErrHandshakeTimeout},
	}

	for id, tc := range cases {
		func() {
			var request atomic.Value
			ts := newWebSocketServer(func(_ *http.Request, ws *websocket.Conn) {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				request.Store(string(data))
				if tc.reply != "" {
					if err := ws.WriteMessage(websocket.TextMessage, []byte(tc.reply)); err != nil {
						return
					}
				}
				drain(ws, nil)
			})
			defer ts.Close()

			c := newTestClient(ts, signalr.WebSockets)
			c.SkipNegotiation = true
			c.HandshakeTimeout = 50 * time.Millisecond

			err := c.Start(context.Background())
			errMatches(t, id, err, tc.wantErr)
			waitFor(t, id+" handshake read", func() bool { return request.Load() != nil })
			equals(t, id+" handshake request", `{"protocol":"json","version":1}`+"\x1e", request.Load())

			if err == nil {
				equals(t, id+" state", signalr.Connected, c.State())
				stop(t, id+" stop", c)
			} else {
				equals(t, id+" state", signalr.Disconnected, c.State())
			}
		}()
	}
}

func TestClient_KeepAlive(t *testing.T) {
	var pings atomic.Int32
	ts := newWebSocketServer(func(_ *http.Request, ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte("{}\x1e")); err != nil {
			return
		}
		drain(ws, func(data []byte) {
			pings.Add(int32(strings.Count(string(data), `{"type":6}`)))
		})
	})
	defer ts.Close()

	c := newTestClient(ts, signalr.WebSockets)
	c.SkipNegotiation = true
	c.KeepAliveInterval = 10 * time.Millisecond

	ok(t, "start", c.Start(context.Background()))
	waitFor(t, "pings sent", func() bool { return pings.Load() >= 3 })
	equals(t, "still connected", signalr.Connected, c.State())
	stop(t, "stop", c)
}

package signalr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carterjones/signalr-tester/hubs"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// State is the lifecycle state of a hub connection.
type State int

// Connection states, mirroring the states of the official clients.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// Handler receives the raw arguments of a server-to-client invocation.
// Handlers run on the read loop, so they should return quickly.
type Handler func(args []json.RawMessage)

// InvocationError is returned by Invoke when the hub reports that the method
// failed.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return e.Message
}

// Errors returned by the Client.
var (
	ErrNotConnected       = errors.New("cannot send data if the connection is not in the 'Connected' state")
	ErrNotDisconnected    = errors.New("cannot start a connection that is not in the 'Disconnected' state")
	ErrConnectionClosed   = errors.New("invocation canceled due to the underlying connection being closed")
	ErrStoppedDuringStart = errors.New("the connection was stopped during negotiation")
	ErrServerTimeout      = errors.New("server timeout elapsed without receiving a message from the server")
	ErrHandshakeTimeout   = errors.New("server handshake timed out")
	ErrReconnectExhausted = errors.New("reconnect retries have been exhausted")
)

// DefaultReconnectDelays is the automatic reconnect schedule: retry at once,
// then after 2, 10 and 30 seconds, then give up.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Client represents a SignalR hub connection. It manages the transport,
// handshake, keep-alives and reconnects so that the caller doesn't have to.
type Client struct {
	// The hub URL, e.g. https://example.com/chathub.
	URL string

	// The transport used to reach the hub.
	Transport TransportType

	// Connect the WebSocket directly without the negotiate request. Only
	// honoured for the WebSockets transport.
	SkipNegotiation bool

	// An optional source of bearer tokens. It is called before every
	// negotiate and connect.
	AccessTokenFactory func() (string, error)

	// Send cookies received from the server on subsequent requests.
	WithCredentials bool

	// The HTTPClient used for negotiate and for the HTTP based transports.
	HTTPClient *http.Client

	// An optional setting to provide a non-default TLS configuration to use
	// when connecting to the websocket.
	TLSClientConfig *tls.Config

	// The proxy used when dialing the websocket. Nil means no proxy.
	Proxy func(*http.Request) (*url.URL, error)

	// Header values that should be applied to all HTTP requests.
	Headers map[string]string

	// The maximum number of times to re-attempt a negotiation.
	MaxNegotiateRetries int

	// The maximum number of times to re-attempt a websocket dial.
	MaxConnectRetries int

	// The time to wait before retrying, in the event that the service
	// answers with 503.
	RetryWaitDuration time.Duration

	// Delays between automatic reconnect attempts. Empty disables
	// automatic reconnects.
	ReconnectDelays []time.Duration

	// How often a ping is sent to the server. Zero disables pings.
	KeepAliveInterval time.Duration

	// How long to wait for any message from the server before the
	// connection is considered lost. Zero disables the watchdog.
	ServerTimeout time.Duration

	// How long to wait for the handshake response.
	HandshakeTimeout time.Duration

	// Diagnostic logger. Nil means no logging.
	Logger *zap.Logger

	// This value is not part of the SignalR protocol. If this value is set,
	// it will be attached to log messages.
	CustomID string

	initOnce sync.Once

	mu           sync.Mutex
	state        State
	link         *link
	run          *lifecycle
	connectionID string

	handlersMux sync.RWMutex
	handlers    map[string][]*handlerEntry

	callbacksMux   sync.RWMutex
	onClose        []func(error)
	onReconnecting []func(error)
	onReconnected  []func(string)

	pending      *xsync.MapOf[string, chan hubs.ServerMsg]
	invocationID atomic.Uint64
}

type handlerEntry struct {
	fn Handler
}

// lifecycle spans one Start until the connection is finally Disconnected,
// including any automatic reconnects in between.
type lifecycle struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (lc *lifecycle) halt() {
	lc.stopOnce.Do(func() { close(lc.stop) })
}

func (lc *lifecycle) stopped() bool {
	select {
	case <-lc.stop:
		return true
	default:
		return false
	}
}

// link is one connected transport plus its framing state.
type link struct {
	conn         Conn
	reader       *recordReader
	connectionID string
	writeMux     sync.Mutex
}

// loss describes why a link stopped reading.
type loss struct {
	err            error
	allowReconnect bool
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v != ""
}

func (c *Client) init() {
	c.initOnce.Do(func() {
		c.handlers = make(map[string][]*handlerEntry)
		c.pending = xsync.NewMapOf[string, chan hubs.ServerMsg]()
		if c.Logger == nil {
			c.Logger = zap.NewNop()
		}
		if c.CustomID != "" {
			c.Logger = c.Logger.With(zap.String("id", c.CustomID))
		}
	})
}

func (c *Client) transport() TransportType {
	if c.Transport == "" {
		return WebSockets
	}
	return c.Transport
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the server during negotiation. It
// is empty when negotiation was skipped.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// OnClose registers a callback that runs when the connection reaches the
// Disconnected state after having been connected. The error is nil for a
// clean stop.
func (c *Client) OnClose(fn func(err error)) {
	c.callbacksMux.Lock()
	c.onClose = append(c.onClose, fn)
	c.callbacksMux.Unlock()
}

// OnReconnecting registers a callback that runs when the connection was lost
// and automatic reconnects begin.
func (c *Client) OnReconnecting(fn func(err error)) {
	c.callbacksMux.Lock()
	c.onReconnecting = append(c.onReconnecting, fn)
	c.callbacksMux.Unlock()
}

// OnReconnected registers a callback that runs when an automatic reconnect
// succeeded.
func (c *Client) OnReconnected(fn func(connectionID string)) {
	c.callbacksMux.Lock()
	c.onReconnected = append(c.onReconnected, fn)
	c.callbacksMux.Unlock()
}

func (c *Client) fireClose(err error) {
	c.callbacksMux.RLock()
	fns := c.onClose
	c.callbacksMux.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) fireReconnecting(err error) {
	c.callbacksMux.RLock()
	fns := c.onReconnecting
	c.callbacksMux.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) fireReconnected(id string) {
	c.callbacksMux.RLock()
	fns := c.onReconnected
	c.callbacksMux.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

// On registers a handler for the server-to-client method. Method names are
// case-insensitive. The returned function removes exactly this handler.
func (c *Client) On(method string, h Handler) (off func()) {
	c.init()

	key := strings.ToLower(method)
	entry := &handlerEntry{fn: h}

	c.handlersMux.Lock()
	c.handlers[key] = append(c.handlers[key], entry)
	c.handlersMux.Unlock()

	return func() {
		c.handlersMux.Lock()
		defer c.handlersMux.Unlock()

		list := c.handlers[key]
		for i, e := range list {
			if e == entry {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.handlers, key)
		} else {
			c.handlers[key] = list
		}
	}
}

// Off removes every handler registered for the method.
func (c *Client) Off(method string) {
	c.init()

	c.handlersMux.Lock()
	delete(c.handlers, strings.ToLower(method))
	c.handlersMux.Unlock()
}

// Start connects to the hub: negotiate, connect the transport and perform the
// protocol handshake. It returns once the connection is usable.
func (c *Client) Start(ctx context.Context) error {
	c.init()

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrNotDisconnected
	}
	lc := newLifecycle()
	c.state = Connecting
	c.run = lc
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lc.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	l, err := c.open(ctx)

	c.mu.Lock()
	if err == nil && lc.stopped() {
		_ = l.conn.Close()
		err = ErrStoppedDuringStart
	}
	if err != nil {
		if lc.stopped() {
			err = ErrStoppedDuringStart
		}
		c.state = Disconnected
		c.run = nil
		c.mu.Unlock()
		close(lc.done)
		return err
	}
	c.link = l
	c.connectionID = l.connectionID
	c.state = Connected
	c.mu.Unlock()

	c.Logger.Info("connection started",
		zap.String("url", c.URL),
		zap.String("transport", string(c.transport())),
		zap.String("connectionId", l.connectionID))

	go c.serve(lc, l)

	return nil
}

// Stop closes the connection and waits until it is Disconnected. Stopping
// during Start aborts the start; stopping while reconnecting cancels the
// reconnect. Stopping a Disconnected client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	lc := c.run
	if c.state == Disconnected || lc == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	lc.halt()
	l := c.link
	c.mu.Unlock()

	if l != nil {
		_ = c.write(l, hubs.ClientMsg{Type: hubs.CloseType})
		_ = l.conn.Close()
	}

	select {
	case <-lc.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "stop interrupted")
	}
}

func (c *Client) connected() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected || c.link == nil {
		return nil, ErrNotConnected
	}

	return c.link, nil
}

// Invoke calls a hub method and waits for its completion. The result is nil
// when the method returns nothing.
func (c *Client) Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	c.init()

	l, err := c.connected()
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.invocationID.Add(1), 10)
	ch := make(chan hubs.ServerMsg, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	err = c.write(l, hubs.ClientMsg{
		Type:         hubs.InvocationType,
		InvocationID: id,
		Target:       method,
		Arguments:    args,
	})
	if err != nil {
		return nil, errors.Wrap(err, "invocation send failed")
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if msg.Error != "" {
			return nil, &InvocationError{Method: method, Message: msg.Error}
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "invocation canceled")
	}
}

// Send calls a hub method without waiting for a result.
func (c *Client) Send(ctx context.Context, method string, args ...interface{}) error {
	c.init()

	l, err := c.connected()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "send canceled")
	}

	err = c.write(l, hubs.ClientMsg{
		Type:      hubs.InvocationType,
		Target:    method,
		Arguments: args,
	})
	if err != nil {
		return errors.Wrap(err, "send failed")
	}

	return nil
}

func (c *Client) write(l *link, m hubs.ClientMsg) error {
	data, err := hubs.Frame(m)
	if err != nil {
		return err
	}

	l.writeMux.Lock()
	defer l.writeMux.Unlock()

	if err := l.conn.WriteMessage(data); err != nil {
		return errors.Wrap(err, "write failed")
	}

	return nil
}

// serve runs the read loop of one link and hands the outcome to
// connectionLost.
func (c *Client) serve(lc *lifecycle, l *link) {
	readDone := make(chan struct{})
	go c.keepAlive(l, readDone)

	result := c.readLoop(l)
	close(readDone)

	c.connectionLost(lc, l, result)
}

func (c *Client) keepAlive(l *link, done <-chan struct{}) {
	if c.KeepAliveInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(l, hubs.ClientMsg{Type: hubs.PingType}); err != nil {
				c.Logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop(l *link) loss {
	var timedOut atomic.Bool
	var watchdog *time.Timer
	if c.ServerTimeout > 0 {
		watchdog = time.AfterFunc(c.ServerTimeout, func() {
			timedOut.Store(true)
			_ = l.conn.Close()
		})
		defer watchdog.Stop()
	}

	for {
		record, err := l.reader.next()
		if err != nil {
			if timedOut.Load() {
				err = ErrServerTimeout
			}
			return loss{err: errors.Wrap(err, "read failed"), allowReconnect: true}
		}

		if watchdog != nil {
			watchdog.Reset(c.ServerTimeout)
		}

		msg, err := hubs.Parse(record)
		if err != nil {
			c.Logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case hubs.InvocationType:
			c.dispatch(msg)
		case hubs.CompletionType:
			c.complete(msg)
		case hubs.PingType:
			// Keep-alive only; the watchdog has already been reset.
		case hubs.CloseType:
			var err error
			if msg.Error != "" {
				err = errors.Errorf("server returned an error on close: %s", msg.Error)
			}
			return loss{err: err, allowReconnect: msg.AllowReconnect}
		default:
			c.Logger.Debug("ignoring message", zap.Int("type", int(msg.Type)))
		}
	}
}

func (c *Client) dispatch(msg hubs.ServerMsg) {
	c.handlersMux.RLock()
	list := c.handlers[strings.ToLower(msg.Target)]
	c.handlersMux.RUnlock()

	if len(list) == 0 {
		c.Logger.Warn("no client method with the name found", zap.String("method", msg.Target))
		return
	}

	for _, e := range list {
		c.callHandler(msg.Target, e.fn, msg.Arguments)
	}
}

func (c *Client) callHandler(method string, fn Handler, args []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("client method panicked", zap.String("method", method), zap.Any("panic", r))
		}
	}()

	fn(args)
}

func (c *Client) complete(msg hubs.ServerMsg) {
	ch, ok := c.pending.LoadAndDelete(msg.InvocationID)
	if !ok {
		c.Logger.Debug("completion for unknown invocation", zap.String("invocationId", msg.InvocationID))
		return
	}

	ch <- msg
}

// failPending releases every waiting Invoke. The winner of LoadAndDelete
// owns the channel, so a completion and a failure never race on it.
func (c *Client) failPending() {
	c.pending.Range(func(id string, _ chan hubs.ServerMsg) bool {
		if ch, ok := c.pending.LoadAndDelete(id); ok {
			close(ch)
		}
		return true
	})
}

func (c *Client) connectionLost(lc *lifecycle, l *link, result loss) {
	_ = l.conn.Close()
	c.failPending()

	c.mu.Lock()
	if lc.stopped() || !result.allowReconnect || len(c.ReconnectDelays) == 0 {
		c.mu.Unlock()

		var err error
		if !lc.stopped() {
			err = result.err
		}
		c.finish(lc, err)
		return
	}
	c.state = Reconnecting
	c.link = nil
	c.mu.Unlock()

	c.Logger.Warn("connection lost, reconnecting", zap.Error(result.err))
	c.fireReconnecting(result.err)

	c.reconnect(lc)
}

func (c *Client) reconnect(lc *lifecycle) {
	for attempt, delay := range c.ReconnectDelays {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-lc.stop:
				t.Stop()
				c.finish(lc, nil)
				return
			}
		} else if lc.stopped() {
			c.finish(lc, nil)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-lc.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		l, err := c.open(ctx)
		cancel()

		if err != nil {
			c.Logger.Info("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if lc.stopped() {
			c.mu.Unlock()
			_ = l.conn.Close()
			c.finish(lc, nil)
			return
		}
		c.link = l
		c.connectionID = l.connectionID
		c.state = Connected
		c.mu.Unlock()

		c.Logger.Info("reconnected", zap.Int("attempt", attempt+1), zap.String("connectionId", l.connectionID))
		c.fireReconnected(l.connectionID)

		go c.serve(lc, l)
		return
	}

	c.finish(lc, ErrReconnectExhausted)
}

func (c *Client) finish(lc *lifecycle, err error) {
	c.mu.Lock()
	c.state = Disconnected
	c.link = nil
	c.run = nil
	c.mu.Unlock()

	if err != nil {
		c.Logger.Info("connection closed", zap.Error(err))
	} else {
		c.Logger.Info("connection closed")
	}
	c.fireClose(err)
	close(lc.done)
}

// New creates and initializes a hub connection with automatic reconnects and
// a cookie jar.
func New(hubURL string) *Client {
	jar, _ := cookiejar.New(nil)

	c := &Client{
		URL:       hubURL,
		Transport: WebSockets,
		HTTPClient: &http.Client{
			Jar: jar,
		},
		Proxy:               http.ProxyFromEnvironment,
		Headers:             make(map[string]string),
		MaxNegotiateRetries: 5,
		MaxConnectRetries:   5,
		RetryWaitDuration:   1 * time.Second,
		ReconnectDelays:     append([]time.Duration(nil), DefaultReconnectDelays...),
		KeepAliveInterval:   15 * time.Second,
		ServerTimeout:       30 * time.Second,
		HandshakeTimeout:    15 * time.Second,
	}

	if debugEnabled() {
		if l, err := zap.NewDevelopment(); err == nil {
			c.Logger = l
		}
	}

	return c
}

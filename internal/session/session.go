// Package session coordinates one hub connection with the invocation draft,
// the push listeners, the request/response log and the histories.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carterjones/signalr-tester"
	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/history"
	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Errors shown to the user. Their text is the message displayed.
var (
	ErrHubURLRequired  = errors.New("please enter the hub address first")
	ErrInvalidState    = errors.New("invalid connection state, disconnect the current session first")
	ErrNotConnected    = errors.New("please establish a signalr connection first")
	ErrMethodRequired  = errors.New("please enter the server method name")
	ErrSending         = errors.New("an invocation is already in progress")
	ErrCurrentHub      = errors.New("already using this connection")
	ErrUnknownHistory  = errors.New("no such history entry")
	ErrSkipUnsupported = errors.New("negotiation can only be skipped with websockets")
)

// DefaultListeners are registered on every new connection.
var DefaultListeners = []string{"ReceiveMessage", "SystemMessage", "Notification", "Update", "Broadcast"}

// Log messages.
const (
	msgEstablished      = "SignalR connection established."
	msgDisconnected     = "SignalR connection has been disconnected."
	msgNoConnection     = "No active connection to disconnect."
	msgClosed           = "Connection closed."
	msgReconnecting     = "Reconnecting..."
	msgReconnected      = "Reconnected."
	msgRequestSent      = "Request sent."
	msgResponseReceived = "Response received."
	msgPushReceived     = "Message received from server."
)

// Options configure a Session. Dialer, Logs, Connections and Methods are
// required.
type Options struct {
	Dialer      Dialer
	Logs        *logs.Pool
	Connections *history.Connections
	Methods     *history.Methods

	// Listeners registered on connect. Nil uses DefaultListeners.
	Listeners []string

	// Bounds connecting and invoking. Zero means no limit beyond the
	// caller's context.
	Timeout time.Duration

	// Called after every state change, on the goroutine that made it.
	Notify func()

	Logger *zap.Logger
}

// Session is the state behind the shell. It is safe for concurrent use.
type Session struct {
	dialer      Dialer
	logs        *logs.Pool
	connections *history.Connections
	methods     *history.Methods
	defaults    []string
	timeout     time.Duration
	notify      func()
	logger      *zap.Logger

	mu         sync.Mutex
	settings   Settings
	phase      Phase
	conn       HubConn
	starting   HubConn
	held       []func()
	errMsg     string
	methodName string
	draft      args.Draft
	sending    bool
	listeners  map[string]listener
}

type listener struct {
	name string
	off  func()
}

// New creates a disconnected session with default settings.
func New(opts Options) *Session {
	s := &Session{
		dialer:      opts.Dialer,
		logs:        opts.Logs,
		connections: opts.Connections,
		methods:     opts.Methods,
		defaults:    opts.Listeners,
		timeout:     opts.Timeout,
		notify:      opts.Notify,
		logger:      opts.Logger,
		settings:    DefaultSettings(),
		phase:       Disconnected,
		listeners:   make(map[string]listener),
	}

	if s.defaults == nil {
		s.defaults = DefaultListeners
	}
	if s.notify == nil {
		s.notify = func() {}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s
}

func (s *Session) log(e logs.Entry) {
	s.logs.Append(e)
}

func (s *Session) system(msg string) {
	s.log(logs.Entry{Kind: logs.System, Message: msg})
}

func (s *Session) fail(msg string) {
	s.log(logs.Entry{Kind: logs.Error, Message: msg})
}

func (s *Session) setError(err error) error {
	s.mu.Lock()
	s.errMsg = err.Error()
	s.mu.Unlock()
	s.notify()

	return err
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.timeout)
}

// Settings returns the connection settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn to the settings. Transport rules are enforced
// afterwards.
func (s *Session) UpdateSettings(fn func(*Settings)) {
	s.mu.Lock()
	fn(&s.settings)
	s.settings.SetTransport(s.settings.Transport)
	s.mu.Unlock()
	s.notify()
}

// SetSkipNegotiation enables skipping negotiation, which only WebSockets
// allows.
func (s *Session) SetSkipNegotiation(skip bool) error {
	s.mu.Lock()
	if skip && !s.settings.CanSkipNegotiation() {
		s.mu.Unlock()
		return s.setError(ErrSkipUnsupported)
	}
	s.settings.SkipNegotiation = skip
	s.mu.Unlock()
	s.notify()

	return nil
}

// Phase returns the connection phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Error returns the message of the last failed action, or "".
func (s *Session) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Connect establishes the connection described by the settings. The hub URL
// is trimmed first.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.settings.HubURL = strings.TrimSpace(s.settings.HubURL)
	if s.settings.HubURL == "" {
		s.mu.Unlock()
		return s.setError(ErrHubURLRequired)
	}
	if s.phase != Disconnected {
		s.mu.Unlock()
		return s.setError(ErrInvalidState)
	}
	s.errMsg = ""
	s.phase = Connecting
	settings := s.settings
	settings.SkipNegotiation = settings.EffectiveSkipNegotiation()
	s.mu.Unlock()
	s.notify()

	conn, err := s.dialer(settings)
	if err == nil {
		s.watch(conn)

		s.mu.Lock()
		s.starting = conn
		s.held = nil
		for _, name := range s.defaults {
			s.attachLocked(conn, name)
		}
		s.mu.Unlock()

		startCtx, cancel := s.withTimeout(ctx)
		err = conn.Start(startCtx)
		cancel()
	}

	s.mu.Lock()
	owned := s.starting == conn
	if err == nil && !owned {
		// Disconnect or Close gave up on this connection while it started.
		err = signalr.ErrStoppedDuringStart
	}

	if err != nil {
		msg := "failed to establish connection: " + err.Error()
		if owned {
			s.starting = nil
			s.held = nil
			s.phase = Disconnected
			s.errMsg = msg
			s.clearListenersLocked()
		}
		s.mu.Unlock()

		if conn != nil && !owned {
			_ = conn.Stop(ctx)
		}
		s.fail(msg)
		s.notify()
		return errors.Wrap(err, "failed to establish connection")
	}

	held := s.held
	s.starting = nil
	s.held = nil
	s.conn = conn
	s.phase = Connected
	s.mu.Unlock()

	s.system(msgEstablished)
	s.notify()

	err = s.connections.Add(history.Connection{
		URL:             settings.HubURL,
		UseToken:        settings.UseToken,
		Token:           settings.AccessToken(),
		Transport:       string(settings.Transport),
		WithCredentials: settings.WithCredentials,
		SkipNegotiation: settings.SkipNegotiation,
		LastConnected:   time.Now(),
	})
	if err != nil {
		s.logger.Warn("connection history not updated", zap.Error(err))
	}

	// Callbacks that fired before Start returned.
	for _, fn := range held {
		fn()
	}

	return nil
}

// owns reports whether callbacks of conn apply to the session. Callbacks of a
// connection that is still starting are held until Connect publishes it.
// Callers hold s.mu.
func (s *Session) owns(conn HubConn, replay func()) bool {
	if s.starting == conn {
		s.held = append(s.held, replay)
		return false
	}
	return s.conn == conn
}

// watch drives the phase from the connection's callbacks. Callbacks of a
// connection that is no longer the session's are ignored.
func (s *Session) watch(conn HubConn) {
	var onClose func(err error)
	onClose = func(err error) {
		s.mu.Lock()
		if !s.owns(conn, func() { onClose(err) }) {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		s.phase = Disconnected
		s.clearListenersLocked()
		s.mu.Unlock()

		if err != nil {
			s.fail("Connection closed: " + err.Error())
		} else {
			s.system(msgClosed)
		}
		s.notify()
	}
	conn.OnClose(onClose)

	var onReconnecting func(err error)
	onReconnecting = func(err error) {
		s.mu.Lock()
		if !s.owns(conn, func() { onReconnecting(err) }) {
			s.mu.Unlock()
			return
		}
		s.phase = Connecting
		s.mu.Unlock()

		if err != nil {
			s.system("Reconnecting (reason: " + err.Error() + ")")
		} else {
			s.system(msgReconnecting)
		}
		s.notify()
	}
	conn.OnReconnecting(onReconnecting)

	var onReconnected func(connectionID string)
	onReconnected = func(connectionID string) {
		s.mu.Lock()
		if !s.owns(conn, func() { onReconnected(connectionID) }) {
			s.mu.Unlock()
			return
		}
		s.phase = Connected
		s.mu.Unlock()

		if connectionID != "" {
			s.system("Reconnected (ConnectionId: " + connectionID + ")")
		} else {
			s.system(msgReconnected)
		}
		s.notify()
	}
	conn.OnReconnected(onReconnected)
}

// Disconnect stops the connection. Disconnecting while a connection is being
// established aborts it.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.errMsg = ""
	conn := s.conn
	if conn == nil {
		conn = s.starting
		s.starting = nil
		s.held = nil
	}
	s.mu.Unlock()

	if conn == nil {
		s.system(msgNoConnection)
		s.notify()
		return nil
	}

	if err := conn.Stop(ctx); err != nil {
		msg := "failed to disconnect: " + err.Error()
		s.fail(msg)
		return s.setError(errors.New(msg))
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.phase = Disconnected
	s.clearListenersLocked()
	s.mu.Unlock()

	s.system(msgDisconnected)
	s.notify()

	return nil
}

// Close stops any connection without logging.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		conn = s.starting
	}
	s.conn = nil
	s.starting = nil
	s.held = nil
	s.phase = Disconnected
	s.clearListenersLocked()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Stop(ctx)
}

// SetMethodName sets the method the next Invoke calls.
func (s *Session) SetMethodName(name string) {
	s.mu.Lock()
	s.methodName = name
	s.mu.Unlock()
	s.notify()
}

// MethodName returns the method the next Invoke calls.
func (s *Session) MethodName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methodName
}

// AddArg appends an empty text argument.
func (s *Session) AddArg() args.Arg {
	s.mu.Lock()
	a := s.draft.Add()
	s.mu.Unlock()
	s.notify()

	return a
}

// AppendArg appends a prepared argument.
func (s *Session) AppendArg(a args.Arg) args.Arg {
	s.mu.Lock()
	a = s.draft.Append(a)
	s.mu.Unlock()
	s.notify()

	return a
}

// RemoveArg drops the argument with the id.
func (s *Session) RemoveArg(id string) {
	s.mu.Lock()
	s.draft.Remove(id)
	s.mu.Unlock()
	s.notify()
}

// SetArgType changes the type of the argument with the id.
func (s *Session) SetArgType(id string, t args.Type) error {
	s.mu.Lock()
	err := s.draft.SetType(id, t)
	s.mu.Unlock()
	s.notify()

	return err
}

// SetArgValue changes the text of the argument with the id.
func (s *Session) SetArgValue(id, value string) error {
	s.mu.Lock()
	err := s.draft.SetValue(id, value)
	s.mu.Unlock()
	s.notify()

	return err
}

// ResetArgs empties the draft.
func (s *Session) ResetArgs() {
	s.mu.Lock()
	s.draft.Reset()
	s.mu.Unlock()
	s.notify()
}

// Args returns the draft arguments.
func (s *Session) Args() []args.Arg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Args()
}

// Invoke calls the method with the draft arguments. On success the call is
// recorded in the method history and the draft is cleared.
func (s *Session) Invoke(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	if s.conn == nil || s.phase != Connected {
		s.mu.Unlock()
		return nil, s.setError(ErrNotConnected)
	}

	method := strings.TrimSpace(s.methodName)
	if method == "" {
		s.mu.Unlock()
		return nil, s.setError(ErrMethodRequired)
	}
	s.errMsg = ""

	drafted := s.draft.Args()
	built, err := args.Build(drafted)
	if err != nil {
		s.mu.Unlock()
		return nil, s.setError(err)
	}

	if s.sending {
		s.mu.Unlock()
		return nil, s.setError(ErrSending)
	}
	s.sending = true
	conn := s.conn
	hubURL := strings.TrimSpace(s.settings.HubURL)
	s.mu.Unlock()
	s.notify()

	s.log(logs.Entry{
		Kind:    logs.Request,
		Method:  method,
		Message: msgRequestSent,
		Payload: logs.Payload(built),
	})

	invokeCtx, cancel := s.withTimeout(ctx)
	result, err := conn.Invoke(invokeCtx, method, built...)
	cancel()

	s.mu.Lock()
	s.sending = false
	if err != nil {
		s.errMsg = "invocation failed: " + err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log(logs.Entry{Kind: logs.Error, Method: method, Message: "invocation failed: " + err.Error()})
		s.notify()
		return nil, errors.Wrap(err, "invocation failed")
	}

	entry := logs.Entry{Kind: logs.Response, Method: method, Message: msgResponseReceived}
	if result != nil {
		entry.Payload = result
	}
	s.log(entry)

	if _, herr := s.methods.Add(hubURL, history.Method{
		MethodName: method,
		Args:       drafted,
		Timestamp:  time.Now(),
	}); herr != nil {
		s.logger.Warn("method history not updated", zap.Error(herr))
	}

	s.mu.Lock()
	s.draft.Reset()
	s.mu.Unlock()
	s.notify()

	return result, nil
}

func listenerKey(name string) string {
	return strings.ToLower(name)
}

// attachLocked registers a push listener on conn. Hub method names are
// case-insensitive, so a name is registered once whatever its case.
func (s *Session) attachLocked(conn HubConn, name string) bool {
	key := listenerKey(name)
	if _, ok := s.listeners[key]; ok {
		return false
	}

	off := conn.On(name, func(arguments []json.RawMessage) {
		s.incoming(name, arguments)
	})
	s.listeners[key] = listener{name: name, off: off}

	return true
}

func (s *Session) clearListenersLocked() {
	for key, l := range s.listeners {
		l.off()
		delete(s.listeners, key)
	}
}

func (s *Session) incoming(name string, arguments []json.RawMessage) {
	var payload json.RawMessage
	switch len(arguments) {
	case 0:
		payload = logs.Payload([]json.RawMessage{})
	case 1:
		payload = arguments[0]
	default:
		payload = logs.Payload(arguments)
	}

	s.log(logs.Entry{
		Kind:    logs.Incoming,
		Method:  name,
		Message: msgPushReceived,
		Payload: payload,
	})
	s.notify()
}

// RegisterMethod listens for pushes of another client method. Registering a
// method twice is a no-op.
func (s *Session) RegisterMethod(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.setError(ErrMethodRequired)
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return s.setError(ErrNotConnected)
	}
	added := s.attachLocked(s.conn, name)
	s.mu.Unlock()

	if added {
		s.notify()
	}

	return nil
}

// UnregisterMethod stops listening for the client method.
func (s *Session) UnregisterMethod(name string) {
	key := listenerKey(strings.TrimSpace(name))

	s.mu.Lock()
	l, ok := s.listeners[key]
	if ok {
		l.off()
		delete(s.listeners, key)
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
}

// Listeners returns the registered client methods, sorted.
func (s *Session) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenersLocked()
}

func (s *Session) listenersLocked() []string {
	names := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		names = append(names, l.name)
	}
	sort.Strings(names)

	return names
}

// ConnectionHistory returns the recent connections, newest first.
func (s *Session) ConnectionHistory() []history.Connection {
	return s.connections.List()
}

// MethodHistory returns the recent methods of the current hub URL.
func (s *Session) MethodHistory() []history.Method {
	s.mu.Lock()
	hubURL := strings.TrimSpace(s.settings.HubURL)
	s.mu.Unlock()

	if hubURL == "" {
		return nil
	}

	return s.methods.List(hubURL)
}

// SelectConnection loads the settings of a connection history entry,
// disconnecting first when needed. The method name and arguments are
// cleared.
func (s *Session) SelectConnection(ctx context.Context, hubURL string) error {
	item, ok := s.connections.Find(hubURL)
	if !ok {
		return s.setError(ErrUnknownHistory)
	}

	s.mu.Lock()
	current := strings.TrimSpace(s.settings.HubURL)
	active := s.conn != nil && s.phase != Disconnected
	s.mu.Unlock()

	if item.URL == current {
		return s.setError(ErrCurrentHub)
	}

	if active {
		if err := s.Disconnect(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.settings = Settings{
		HubURL:          item.URL,
		UseToken:        item.UseToken,
		Token:           item.Token,
		WithCredentials: item.WithCredentials,
		SkipNegotiation: item.SkipNegotiation,
	}
	s.settings.SetTransport(transportOrDefault(item.Transport))
	s.methodName = ""
	s.draft.Reset()
	s.errMsg = ""
	s.mu.Unlock()
	s.notify()

	return nil
}

// DeleteConnection removes a connection and its method history.
func (s *Session) DeleteConnection(hubURL string) error {
	err := s.connections.Delete(hubURL)
	if merr := s.methods.DeleteAll(hubURL); err == nil {
		err = merr
	}
	s.notify()

	return err
}

func (s *Session) findMethod(id string) (history.Method, string, bool) {
	s.mu.Lock()
	hubURL := strings.TrimSpace(s.settings.HubURL)
	s.mu.Unlock()

	for _, item := range s.methods.List(hubURL) {
		if item.ID == id {
			return item, hubURL, true
		}
	}

	return history.Method{}, hubURL, false
}

// SelectMethod loads the method name and a copy of the arguments of a method
// history entry of the current hub URL.
func (s *Session) SelectMethod(id string) error {
	item, _, ok := s.findMethod(id)
	if !ok {
		return s.setError(ErrUnknownHistory)
	}

	s.mu.Lock()
	s.methodName = item.MethodName
	s.draft.Load(item.Args)
	s.mu.Unlock()
	s.notify()

	return nil
}

// DeleteMethod removes one method history entry of the current hub URL.
func (s *Session) DeleteMethod(id string) error {
	_, hubURL, ok := s.findMethod(id)
	if !ok {
		return s.setError(ErrUnknownHistory)
	}

	err := s.methods.Delete(hubURL, id)
	s.notify()

	return err
}

// DeleteAllMethods clears the method history of the current hub URL.
func (s *Session) DeleteAllMethods() error {
	s.mu.Lock()
	hubURL := strings.TrimSpace(s.settings.HubURL)
	s.mu.Unlock()

	err := s.methods.DeleteAll(hubURL)
	s.notify()

	return err
}

// ClearLogs empties the request/response log.
func (s *Session) ClearLogs() {
	s.logs.Clear()
	s.notify()
}

// Snapshot is everything the shell renders.
type Snapshot struct {
	Settings          Settings
	Phase             Phase
	Error             string
	MethodName        string
	Args              []args.Arg
	Sending           bool
	Listeners         []string
	ConnectionHistory []history.Connection
	MethodHistory     []history.Method
	Logs              []logs.Entry
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Settings:   s.settings,
		Phase:      s.phase,
		Error:      s.errMsg,
		MethodName: s.methodName,
		Args:       s.draft.Args(),
		Sending:    s.sending,
		Listeners:  s.listenersLocked(),
	}
	s.mu.Unlock()

	snap.ConnectionHistory = s.connections.List()
	snap.MethodHistory = s.MethodHistory()
	snap.Logs = s.logs.Entries()

	return snap
}

package signalr

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carterjones/signalr-tester/hubs"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// TestHub is an in-process SignalR hub for tests. It speaks the JSON hub
// protocol over all three transports and serves these methods:
//
//	Echo(x)          returns x
//	Add(a, b, ...)   returns the sum of the numbers
//	Fail()           completes with an error
//	Void()           completes without a result
//	Broadcast(x...)  pushes ReceiveMessage(x...) to every connection
//	Close(reconnect) sends a close message and drops the connection
//
// Any other method completes with an "unknown hub method" error.
type TestHub struct {
	// When set, negotiate and transport requests must carry this bearer
	// token.
	RequireToken string

	// Transports offered by negotiate. Empty offers all of them.
	Transports []TransportType

	// How long a long polling request waits for data before it returns
	// empty.
	PollWait time.Duration

	upgrader websocket.Upgrader
	sessions *xsync.MapOf[string, *testSession]
	opened   atomic.Int64
}

// NewTestHub creates a hub that offers every transport.
func NewTestHub() *TestHub {
	return &TestHub{
		PollWait: 2 * time.Second,
		sessions: xsync.NewMapOf[string, *testSession](),
	}
}

// Connections returns the number of sessions currently open.
func (h *TestHub) Connections() int {
	return h.sessions.Size()
}

// Opened returns the number of sessions ever negotiated or connected.
func (h *TestHub) Opened() int {
	return int(h.opened.Load())
}

// Broadcast pushes an invocation of the client method to every connection
// that completed the handshake.
func (h *TestHub) Broadcast(target string, args ...interface{}) error {
	msg, err := invocationMsg(target, args)
	if err != nil {
		return err
	}

	h.sessions.Range(func(_ string, s *testSession) bool {
		if s.ready() {
			s.send(msg)
		}
		return true
	})

	return nil
}

// Drop ends every session without a close message, as if the network went
// away.
func (h *TestHub) Drop() {
	h.sessions.Range(func(id string, s *testSession) bool {
		s.close()
		h.sessions.Delete(id)
		return true
	})
}

// Close ends every session. Call it before closing the HTTP server so that
// streaming requests return.
func (h *TestHub) Close() {
	h.Drop()
}

func (h *TestHub) authorized(r *http.Request) bool {
	if h.RequireToken == "" {
		return true
	}

	if r.Header.Get("Authorization") == "Bearer "+h.RequireToken {
		return true
	}

	// Browsers can't set headers on websockets, so the token may also be in
	// the query.
	return r.URL.Query().Get("access_token") == h.RequireToken
}

func (h *TestHub) offers(t TransportType) bool {
	if len(h.Transports) == 0 {
		return true
	}

	for _, offered := range h.Transports {
		if offered == t {
			return true
		}
	}

	return false
}

func (h *TestHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/negotiate"):
		h.negotiate(w, r)
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebSocket(w, r)
	case r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		h.serveEventStream(w, r)
	case r.Method == http.MethodGet:
		h.servePoll(w, r)
	case r.Method == http.MethodPost:
		h.serveSend(w, r)
	case r.Method == http.MethodDelete:
		h.serveDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *TestHub) newSession() *testSession {
	s := &testSession{
		id:    uuid.NewString(),
		token: uuid.NewString(),
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	s.broadcast = func(target string, args []json.RawMessage) {
		p, err := hubs.Frame(hubs.ServerMsg{Type: hubs.InvocationType, Target: target, Arguments: args})
		if err != nil {
			panic(err)
		}
		h.sessions.Range(func(_ string, other *testSession) bool {
			if other.ready() {
				other.send(p)
			}
			return true
		})
	}
	h.sessions.Store(s.token, s)
	h.opened.Add(1)

	return s
}

func (h *TestHub) lookup(w http.ResponseWriter, r *http.Request) (*testSession, bool) {
	s, ok := h.sessions.Load(r.URL.Query().Get("id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
	}

	return s, ok
}

func (h *TestHub) negotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s := h.newSession()

	resp := NegotiateResponse{
		ConnectionID:     s.id,
		ConnectionToken:  s.token,
		NegotiateVersion: 1,
	}
	for _, t := range Transports() {
		if h.offers(t) {
			resp.AvailableTransports = append(resp.AvailableTransports, AvailableTransport{
				Transport:       t.wireName(),
				TransferFormats: []string{"Text"},
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(err)
	}
}

func (h *TestHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	var s *testSession
	if r.URL.Query().Get("id") == "" {
		// The client skipped negotiation.
		s = h.newSession()
	} else {
		var ok bool
		if s, ok = h.lookup(w, r); !ok {
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.end(s)
		return
	}

	go func() {
		defer h.end(s)
		for {
			_, p, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			if !s.handle(p) {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for {
			select {
			case p := <-s.out:
				if werr := conn.WriteMessage(websocket.TextMessage, p); werr != nil {
					return
				}
			case <-s.done:
				s.drain(func(p []byte) {
					_ = conn.WriteMessage(websocket.TextMessage, p)
				})
				return
			}
		}
	}()
}

func (h *TestHub) serveEventStream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	defer h.end(s)

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(p []byte) {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", p)
		flusher.Flush()
	}

	for {
		select {
		case p := <-s.out:
			write(p)
		case <-s.done:
			s.drain(write)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *TestHub) servePoll(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Load(r.URL.Query().Get("id"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The first poll only confirms the connection.
	if !s.polled.Swap(true) {
		w.WriteHeader(http.StatusOK)
		return
	}

	t := time.NewTimer(h.PollWait)
	defer t.Stop()

	select {
	case p := <-s.out:
		_, _ = w.Write(p)
	case <-s.done:
		var pending []byte
		s.drain(func(p []byte) { pending = append(pending, p...) })
		if len(pending) == 0 {
			h.end(s)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write(pending)
	case <-t.C:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
	}
}

func (h *TestHub) serveSend(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !s.handle(body) {
		h.end(s)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *TestHub) serveDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	h.end(s)
	w.WriteHeader(http.StatusAccepted)
}

func (h *TestHub) end(s *testSession) {
	s.close()
	h.sessions.Delete(s.token)
}

// testSession is the hub side of one connection.
type testSession struct {
	id    string
	token string
	out   chan []byte
	done  chan struct{}
	once  sync.Once

	broadcast func(target string, args []json.RawMessage)
	polled    atomic.Bool

	mu         sync.Mutex
	rest       []byte
	handshaken bool
}

func (s *testSession) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaken
}

func (s *testSession) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *testSession) send(p []byte) {
	select {
	case s.out <- p:
	case <-s.done:
	}
}

func (s *testSession) drain(fn func([]byte)) {
	for {
		select {
		case p := <-s.out:
			fn(p)
		default:
			return
		}
	}
}

// handle processes a chunk from the client. It returns false once the
// session is over.
func (s *testSession) handle(chunk []byte) bool {
	s.mu.Lock()
	buf := append(s.rest, chunk...)
	records, rest := hubs.Split(buf)
	s.rest = append([]byte(nil), rest...)
	s.mu.Unlock()

	for _, record := range records {
		if !s.handleRecord(record) {
			return false
		}
	}

	return true
}

func (s *testSession) handleRecord(record []byte) bool {
	s.mu.Lock()
	handshaken := s.handshaken
	s.mu.Unlock()

	if !handshaken {
		var req hubs.HandshakeRequest
		if err := json.Unmarshal(record, &req); err != nil || req.Protocol != "json" {
			s.sendValue(hubs.HandshakeResponse{Error: "the requested protocol is not supported"})
			s.close()
			return false
		}

		s.mu.Lock()
		s.handshaken = true
		s.mu.Unlock()
		s.sendValue(hubs.HandshakeResponse{})
		return true
	}

	msg, err := hubs.Parse(record)
	if err != nil {
		s.close()
		return false
	}

	switch msg.Type {
	case hubs.InvocationType:
		return s.invoke(msg)
	case hubs.CloseType:
		s.close()
		return false
	default:
		return true
	}
}

func (s *testSession) invoke(msg hubs.ServerMsg) bool {
	completion := hubs.ServerMsg{Type: hubs.CompletionType, InvocationID: msg.InvocationID}

	switch strings.ToLower(msg.Target) {
	case "echo":
		completion.Result = json.RawMessage("null")
		if len(msg.Arguments) > 0 {
			completion.Result = msg.Arguments[0]
		}
	case "add":
		var sum float64
		for _, raw := range msg.Arguments {
			var f float64
			if err := json.Unmarshal(raw, &f); err != nil {
				completion.Error = "Add expects numbers"
				break
			}
			sum += f
		}
		if completion.Error == "" {
			completion.Result, _ = json.Marshal(sum)
		}
	case "fail":
		completion.Error = "An unexpected error occurred invoking 'Fail' on the server."
	case "void":
	case "broadcast":
		s.broadcast("ReceiveMessage", msg.Arguments)
	case "close":
		var allowReconnect bool
		if len(msg.Arguments) > 0 {
			_ = json.Unmarshal(msg.Arguments[0], &allowReconnect)
		}
		s.sendValue(hubs.ServerMsg{
			Type:           hubs.CloseType,
			Error:          "Connection closed by the hub.",
			AllowReconnect: allowReconnect,
		})
		s.close()
		return false
	default:
		completion.Error = fmt.Sprintf("Unknown hub method '%s'", msg.Target)
	}

	if msg.InvocationID != "" {
		s.sendValue(completion)
	}

	return true
}

func (s *testSession) sendValue(v interface{}) {
	p, err := hubs.Frame(v)
	if err != nil {
		panic(err)
	}
	s.send(p)
}

func invocationMsg(target string, args []interface{}) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		p, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw = append(raw, p)
	}

	return hubs.Frame(hubs.ServerMsg{Type: hubs.InvocationType, Target: target, Arguments: raw})
}

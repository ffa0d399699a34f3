// Package logs keeps the request/response log shown to the user.
package logs

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Kind classifies a log entry.
type Kind string

// Entry kinds.
const (
	Request  Kind = "request"
	Response Kind = "response"
	System   Kind = "system"
	Error    Kind = "error"
	Incoming Kind = "incoming"
)

// Entry is one line of the log. Method and Payload are optional.
type Entry struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Method    string          `json:"method,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HasPayload reports whether the entry carries a payload, including null.
func (e Entry) HasPayload() bool {
	return len(e.Payload) > 0
}

// PrettyPayload returns the payload indented by two spaces.
func (e Entry) PrettyPayload() string {
	if !e.HasPayload() {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, e.Payload, "", "  "); err != nil {
		return string(e.Payload)
	}

	return buf.String()
}

// Payload encodes v for an entry. Values that cannot be encoded are logged
// as their error text.
func Payload(v interface{}) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null")
		}
		return raw
	}

	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(err.Error())
	}

	return data
}

// Pool holds the entries, newest first. It is safe for concurrent use.
type Pool struct {
	max int

	mu      sync.RWMutex
	entries []Entry

	subscribers *xsync.MapOf[uint64, func(Entry)]
	nextSub     atomic.Uint64
	now         func() time.Time
}

// NewPool returns an empty pool keeping at most max entries. Zero or less
// keeps everything.
func NewPool(max int) *Pool {
	return &Pool{
		max:         max,
		subscribers: xsync.NewMapOf[uint64, func(Entry)](),
		now:         time.Now,
	}
}

// Append stamps the entry with an id and the current time, puts it first and
// notifies the subscribers.
func (p *Pool) Append(e Entry) Entry {
	e.ID = uuid.NewString()
	e.Timestamp = p.now()

	p.mu.Lock()
	p.entries = append([]Entry{e}, p.entries...)
	if p.max > 0 && len(p.entries) > p.max {
		p.entries = p.entries[:p.max]
	}
	p.mu.Unlock()

	p.subscribers.Range(func(_ uint64, fn func(Entry)) bool {
		fn(e)
		return true
	})

	return e
}

// Clear removes every entry.
func (p *Pool) Clear() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}

// Entries returns a copy of the entries, newest first.
func (p *Pool) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Entry(nil), p.entries...)
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Subscribe calls fn for every entry appended from now on. fn runs on the
// appending goroutine. The returned function cancels the subscription.
func (p *Pool) Subscribe(fn func(Entry)) (unsubscribe func()) {
	id := p.nextSub.Add(1)
	p.subscribers.Store(id, fn)

	return func() {
		p.subscribers.Delete(id)
	}
}

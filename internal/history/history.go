// Package history keeps the recently used connections and, per connection,
// the recently invoked methods.
package history

import (
	"sync"
	"time"

	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Storage keys.
const (
	ConnectionsKey = "signalr-connection-history"
	MethodsKey     = "signalr-method-history"
)

// Default bounds.
const (
	DefaultMaxConnections = 10
	DefaultMaxMethods     = 20
)

// Connection is a connection that was established successfully.
type Connection struct {
	URL             string    `json:"url"`
	UseToken        bool      `json:"useToken"`
	Token           string    `json:"token"`
	Transport       string    `json:"transport"`
	WithCredentials bool      `json:"withCredentials"`
	SkipNegotiation bool      `json:"skipNegotiation"`
	LastConnected   time.Time `json:"lastConnected"`
}

// Method is a method invocation that succeeded.
type Method struct {
	ID         string     `json:"id"`
	MethodName string     `json:"methodName"`
	Args       []args.Arg `json:"args"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Connections is the connection history, most recent first. It is safe for
// concurrent use.
type Connections struct {
	store  storage.Store
	max    int
	logger *zap.Logger

	mu    sync.RWMutex
	items []Connection
}

// LoadConnections reads the history from the store. A history that cannot be
// read is logged and starts empty.
func LoadConnections(store storage.Store, max int, logger *zap.Logger) *Connections {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connections{store: store, max: max, logger: logger}
	if _, err := store.Load(ConnectionsKey, &c.items); err != nil {
		logger.Error("failed to load connection history", zap.Error(err))
		c.items = nil
	}
	if len(c.items) > max {
		c.items = c.items[:max]
	}

	return c
}

// Add records the connection first, replacing any entry with the same URL.
func (c *Connections) Add(item Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := []Connection{item}
	for _, existing := range c.items {
		if existing.URL != item.URL {
			updated = append(updated, existing)
		}
	}
	if len(updated) > c.max {
		updated = updated[:c.max]
	}
	c.items = updated

	return c.save()
}

// Delete removes the connection with the URL.
func (c *Connections) Delete(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := make([]Connection, 0, len(c.items))
	for _, existing := range c.items {
		if existing.URL != url {
			updated = append(updated, existing)
		}
	}
	c.items = updated

	return c.save()
}

// List returns a copy of the history.
func (c *Connections) List() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Connection(nil), c.items...)
}

// Find returns the entry for the URL.
func (c *Connections) Find(url string) (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, item := range c.items {
		if item.URL == url {
			return item, true
		}
	}

	return Connection{}, false
}

func (c *Connections) save() error {
	if err := c.store.Save(ConnectionsKey, c.items); err != nil {
		c.logger.Error("failed to save connection history", zap.Error(err))
		return errors.Wrap(err, "connection history not saved")
	}

	return nil
}

// Methods is the method history keyed by hub URL, most recent first. It is
// safe for concurrent use.
type Methods struct {
	store  storage.Store
	max    int
	logger *zap.Logger

	mu    sync.RWMutex
	byURL map[string][]Method
}

// LoadMethods reads the history from the store. A history that cannot be
// read is logged and starts empty.
func LoadMethods(store storage.Store, max int, logger *zap.Logger) *Methods {
	if max <= 0 {
		max = DefaultMaxMethods
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Methods{store: store, max: max, logger: logger}
	if _, err := store.Load(MethodsKey, &m.byURL); err != nil {
		logger.Error("failed to load method history", zap.Error(err))
		m.byURL = nil
	}
	if m.byURL == nil {
		m.byURL = make(map[string][]Method)
	}

	// Entries written without an id can't be deleted individually.
	for url, list := range m.byURL {
		for i := range list {
			if list[i].ID == "" {
				list[i].ID = uuid.NewString()
			}
		}
		if len(list) > max {
			m.byURL[url] = list[:max]
		}
	}

	return m
}

// Add records the method first in the URL's list. The arguments are copied
// and the item gets an id when it has none.
func (m *Methods) Add(url string, item Method) (Method, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Args = append([]args.Arg(nil), item.Args...)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]Method{item}, m.byURL[url]...)
	if len(list) > m.max {
		list = list[:m.max]
	}
	m.byURL[url] = list

	return item, m.save()
}

// Delete removes one item. The URL disappears once its list is empty.
func (m *Methods) Delete(url, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byURL[url]
	updated := make([]Method, 0, len(list))
	for _, item := range list {
		if item.ID != id {
			updated = append(updated, item)
		}
	}

	if len(updated) == 0 {
		delete(m.byURL, url)
	} else {
		m.byURL[url] = updated
	}

	return m.save()
}

// DeleteAll removes every item of the URL.
func (m *Methods) DeleteAll(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byURL, url)

	return m.save()
}

// List returns a copy of the URL's items.
func (m *Methods) List(url string) []Method {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byURL[url]
	out := make([]Method, len(list))
	for i, item := range list {
		item.Args = append([]args.Arg(nil), item.Args...)
		out[i] = item
	}

	return out
}

// URLs returns the URLs that have history, in no particular order.
func (m *Methods) URLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	urls := make([]string, 0, len(m.byURL))
	for url := range m.byURL {
		urls = append(urls, url)
	}

	return urls
}

func (m *Methods) save() error {
	if err := m.store.Save(MethodsKey, m.byURL); err != nil {
		m.logger.Error("failed to save method history", zap.Error(err))
		return errors.Wrap(err, "method history not saved")
	}

	return nil
}

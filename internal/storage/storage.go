// Package storage persists small JSON documents under string keys.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store loads and saves values as JSON. Load reports whether the key existed.
type Store interface {
	Load(key string, v interface{}) (found bool, err error)
	Save(key string, v interface{}) error
	Close() error
}

// Item is one stored document.
type Item struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// SQLite keeps the documents in a single table of a SQLite database.
type SQLite struct {
	db *gorm.DB
}

// Open opens or creates the database at path. Parent directories are
// created as needed.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create storage directory")
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err = db.AutoMigrate(&Item{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	sqlDB.SetMaxIdleConns(runtime.GOMAXPROCS(0))

	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(key string, v interface{}) (bool, error) {
	var items []Item
	if err := s.db.Where("name = ?", key).Limit(1).Find(&items).Error; err != nil {
		return false, errors.Wrapf(err, "failed to load %s", key)
	}

	if len(items) == 0 {
		return false, nil
	}

	if err := json.Unmarshal([]byte(items[0].Value), v); err != nil {
		return true, errors.Wrapf(err, "failed to decode %s", key)
	}

	return true, nil
}

func (s *SQLite) Save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}

	item := Item{Name: key, Value: string(data)}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save %s", key)
	}

	return nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to close database")
	}

	return sqlDB.Close()
}

// Memory keeps the documents in process. It is used when persistence is
// disabled.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Load(key string, v interface{}) (bool, error) {
	m.mu.RLock()
	data, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return true, errors.Wrapf(err, "failed to decode %s", key)
	}

	return true, nil
}

func (m *Memory) Save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}

	m.mu.Lock()
	m.items[key] = data
	m.mu.Unlock()

	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// DefaultPath returns the database location under the user's config
// directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "signalr-tester", "history.db")
}

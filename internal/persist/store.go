package persist

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/chatring/internal/directory"
)

// ErrCorrupt is returned when saved state cannot be parsed.
var ErrCorrupt = errors.New("persist: corrupt savefile")

// Store loads and saves directory records.
// All implementations must be safe for concurrent use.
type Store interface {
	// Load returns the saved records. A store with nothing saved returns
	// no records and no error.
	Load() ([]directory.Record, error)

	// Save replaces the saved state with records.
	Save(records []directory.Record) error

	// Close releases the underlying resources.
	Close() error
}

// Path returns the per-peer location for base.
func Path(base string, self int) string {
	return fmt.Sprintf("%s.%d", base, self)
}

// Open returns the store for backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path), nil
	case "bolt":
		return OpenBolt(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("persist: unknown backend %q", backend)
	}
}

// durable strips a record down to what is persisted.
func durable(r directory.Record) directory.Record {
	return directory.Record{
		Username:    r.Username,
		Subscribers: append([]string(nil), r.Subscribers...),
	}
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []directory.Record
	saves   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the last saved records.
func (m *MemoryStore) Load() ([]directory.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]directory.Record, len(m.records))
	for i, r := range m.records {
		out[i] = durable(r)
	}
	return out, nil
}

// Save keeps a copy of records.
func (m *MemoryStore) Save(records []directory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make([]directory.Record, len(records))
	for i, r := range records {
		m.records[i] = durable(r)
	}
	m.saves++
	return nil
}

// Saves returns how many times Save has run.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

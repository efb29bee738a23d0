package cache

import (
	"sync"

	"github.com/wesm/wizardsync/internal/wizard"
)

// Memory is an in-process Store. It does not survive restarts
// and is meant for tests and ephemeral sessions.
type Memory struct {
	mu    sync.Mutex
	entry Entry
	opts  options
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{opts: defaultOptions()}
	for _, opt := range opts {
		opt(&m.opts)
	}
	return m
}

// Seed sets the entry directly, including LastFetched.
func (m *Memory) Seed(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = Entry{Record: e.Record.Clone(), LastFetched: e.LastFetched}
}

func (m *Memory) Read() (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Entry{
		Record:      m.entry.Record.Clone(),
		LastFetched: m.entry.LastFetched,
	}, nil
}

func (m *Memory) Write(rec wizard.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = Entry{Record: rec.Clone(), LastFetched: m.opts.now()}
	return nil
}

func (m *Memory) WriteOptimistic(rec wizard.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry.Record = rec.Clone()
	return nil
}

func (m *Memory) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.Fresh(m.opts.now(), m.opts.ttl)
}

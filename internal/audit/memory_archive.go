package audit

import (
	"context"
	"sync"
)

// MemoryArchive keeps pruned entries in memory. Used in tests and when no
// database is configured.
type MemoryArchive struct {
	mu      sync.Mutex
	entries []*Entry
	fail    error
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (m *MemoryArchive) Archive(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, e := range entries {
		m.entries = append(m.entries, e.clone())
	}
	return nil
}

// FailWith makes subsequent Archive calls return err (nil to recover).
func (m *MemoryArchive) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Entries returns copies of everything archived so far, oldest first.
func (m *MemoryArchive) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.clone()
	}
	return out
}

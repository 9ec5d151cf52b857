package store

import (
	"context"
	"sync"

	"guardline/internal/events"
)

// MemoryBackend is a process-local Backend. FailWith, when set, is returned
// by every write instead of applying it.
type MemoryBackend struct {
	mu       sync.Mutex
	data     map[string][]byte
	Entries  []events.Entry
	FailWith error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte, entry events.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = append([]byte(nil), value...)
	if entry.Type != "" {
		m.Entries = append(m.Entries, entry)
	}
	return nil
}

func (m *MemoryBackend) Take(_ context.Context, key string, entry events.Entry) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, false, m.FailWith
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	delete(m.data, key)
	if entry.Type != "" {
		m.Entries = append(m.Entries, entry)
	}
	return v, true, nil
}

// Raw overwrites key without an audit entry.
func (m *MemoryBackend) Raw(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = value
}

package backend

import (
	"fmt"
	"sync"
)

// Mem is an in-memory backend for tests. Safe for concurrent use.
type Mem struct {
	mu   sync.RWMutex
	data map[Kind]map[string][]byte
}

// NewMem creates an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{data: map[Kind]map[string][]byte{}}
}

func (m *Mem) Write(kind Kind, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[kind] == nil {
		m.data[kind] = map[string][]byte{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[kind][key] = cp
	return nil
}

func (m *Mem) ReadFull(kind Kind, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[kind][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Mem) ReadPartial(kind Kind, key string, offset, length uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[kind][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%s/%s: read %d+%d beyond size %d", kind, key, offset, length, len(data))
	}
	cp := make([]byte, length)
	copy(cp, data[offset:end])
	return cp, nil
}

func (m *Mem) List(kind Kind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[kind]))
	for k := range m.data[kind] {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len returns the number of stored entries of the given kind.
func (m *Mem) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[kind])
}

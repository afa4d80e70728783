package local

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a map-backed store with the same contract as Badger.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string

	// FailWrites makes every write return err; used to exercise
	// best-effort persistence paths.
	failWrites error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// FailWrites makes subsequent writes fail with err. Pass nil to restore.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

// Get returns the value at key and whether it exists.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set writes a single key.
func (m *Memory) Set(key, value string) error {
	return m.SetMany(map[string]string{key: value})
}

// SetMany writes all pairs.
func (m *Memory) SetMany(pairs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	for k := range pairs {
		if k == "" {
			return ErrEmptyKey
		}
	}
	for k, v := range pairs {
		m.data[k] = v
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *Memory) DeletePrefix(prefix string) error {
	if prefix == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

// Keys lists keys under prefix in lexical order.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

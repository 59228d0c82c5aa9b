package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. It backs tests and single-shot CLI runs
// with the "memory" backend.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	records map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false, nil
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key, value), nil
}

func (m *Memory) PutIfVersion(_ context.Context, key string, value []byte, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[key].Version != version {
		return 0, ErrVersionConflict
	}
	return m.write(key, value), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *Memory) DeleteIfVersion(_ context.Context, key string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Version != version {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }

// write must be called with mu held. Versions come from a store-wide
// sequence so a deleted and recreated key never repeats an old version.
func (m *Memory) write(key string, value []byte) int64 {
	m.seq++
	m.records[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: m.seq}
	return m.seq
}

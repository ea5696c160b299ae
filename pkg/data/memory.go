package data

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process KVStore for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string][]byte
}

var _ KVStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[prefix][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix, keyPrefix string) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KV
	for k, v := range m.entries[prefix] {
		if strings.HasPrefix(k, keyPrefix) {
			out = append(out, KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		bucket, ok := m.entries[op.Prefix]
		if !ok {
			bucket = make(map[string][]byte)
			m.entries[op.Prefix] = bucket
		}
		if op.Delete {
			delete(bucket, op.Key)
			continue
		}
		bucket[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

// Len returns the number of entries under a prefix.
func (m *MemoryStore) Len(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[prefix])
}

func (m *MemoryStore) Close() {}

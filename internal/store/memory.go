package store

import (
	"context"
	"sync"
)

// MemoryKV is a process-local KV for tests and single-node development. It
// serializes all operations behind one mutex, which satisfies the Update
// contract trivially. It is never authoritative in a multi-replica
// deployment; production wiring uses RedisKV.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) SetTTL(ctx context.Context, key string, value []byte, _ int) error {
	// TTLs are a Redis concern; in-memory values just live for the process.
	return m.Set(ctx, key, value)
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Update(_ context.Context, key string, mutate func(old []byte, found bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, found := m.data[key]
	next, err := mutate(old, found)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.data, key)
		return nil
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory keeps every bucket in process memory. Values are copied on the way
// in and out.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
	closed  bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memoryBucket)}
}

func (m *Memory) Bucket(name string) (KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{name: name, owner: m, data: make(map[string][]byte)}
		m.buckets[name] = b
	}
	return b, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

type memoryBucket struct {
	name  string
	owner *Memory
	mu    sync.RWMutex
	data  map[string][]byte
}

func (b *memoryBucket) Get(_ context.Context, key string) ([]byte, error) {
	if b.owner.isClosed() {
		return nil, ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", b.name, key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (b *memoryBucket) Set(_ context.Context, key string, value []byte) error {
	if b.owner.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) error {
	if b.owner.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	if b.owner.isClosed() {
		return nil, ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

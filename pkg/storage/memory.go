package storage

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MemoryBackend keeps entries as encoded JSON in process memory. It backs
// tests and embedders that supply their own persistence.
type MemoryBackend struct {
	area       Area
	countBytes bool

	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty backend for area. When countBytes is
// false, BytesInUse reports ErrBytesUnsupported like a local-only store.
func NewMemoryBackend(area Area, countBytes bool) *MemoryBackend {
	return &MemoryBackend{
		area:       area,
		countBytes: countBytes,
		data:       make(map[string][]byte),
	}
}

// Area returns the backend role.
func (m *MemoryBackend) Area() Area { return m.area }

// Get returns decoded copies of the requested entries.
func (m *MemoryBackend) Get(ctx context.Context, keys []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if keys == nil {
		keys = lo.Keys(m.data)
	}
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		raw, ok := m.data[key]
		if !ok {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		result[key] = v
	}
	return result, nil
}

// Set encodes every item before storing any, so a bad value leaves the
// backend untouched.
func (m *MemoryBackend) Set(ctx context.Context, items map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(items))
	for key, value := range items {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		encoded[key] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, data := range encoded {
		m.data[key] = data
	}
	return nil
}

// Remove deletes keys; missing keys are ignored.
func (m *MemoryBackend) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// Clear deletes every entry.
func (m *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

// BytesInUse sums key and value sizes for keys, or for everything when keys is nil.
func (m *MemoryBackend) BytesInUse(ctx context.Context, keys []string) (int, error) {
	if !m.countBytes {
		return 0, ErrBytesUnsupported
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if keys == nil {
		keys = lo.Keys(m.data)
	}
	total := 0
	for _, key := range keys {
		if raw, ok := m.data[key]; ok {
			total += len(key) + len(raw)
		}
	}
	return total, nil
}

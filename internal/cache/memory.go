package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend. Items are purged lazily once their
// backend TTL has passed.
type MemoryBackend struct {
	mu       sync.RWMutex
	items    map[string]memoryItem
	maxItems int
	now      func() time.Time
}

// NewMemoryBackend creates an in-process backend. maxItems <= 0 means unbounded.
func NewMemoryBackend(maxItems int) *MemoryBackend {
	return &MemoryBackend{
		items:    make(map[string]memoryItem),
		maxItems: maxItems,
		now:      time.Now,
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.value, nil
}

func (m *MemoryBackend) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, key := range keys {
		if item, ok := m.items[key]; ok && now.Before(item.expiresAt) {
			out[i] = item.value
		}
	}
	return out, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	if m.maxItems > 0 && len(m.items) > m.maxItems {
		m.evictLocked(now)
	}
	return nil
}

func (m *MemoryBackend) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]memoryItem)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Size(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, k)
		}
	}
	return len(m.items), nil
}

// evictLocked drops expired items first, then the entries closest to expiry.
func (m *MemoryBackend) evictLocked(now time.Time) {
	for k, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, k)
		}
	}
	for len(m.items) > m.maxItems {
		var oldestKey string
		var oldest time.Time
		for k, item := range m.items {
			if oldestKey == "" || item.expiresAt.Before(oldest) {
				oldestKey, oldest = k, item.expiresAt
			}
		}
		delete(m.items, oldestKey)
	}
}

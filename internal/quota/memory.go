package quota

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryCounter struct {
	used     int
	expireAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]memoryCounter), now: time.Now}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Reserve(ctx context.Context, counters []Counter, cost int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()
	for _, c := range counters {
		if m.counters[c.Key].used+cost > c.Limit {
			return false, nil
		}
	}
	for _, c := range counters {
		mc := m.counters[c.Key]
		mc.used += cost
		mc.expireAt = c.ExpireAt
		m.counters[c.Key] = mc
	}
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, counters []Counter, cost int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range counters {
		mc, ok := m.counters[c.Key]
		if !ok {
			continue
		}
		mc.used -= cost
		if mc.used < 0 {
			mc.used = 0
		}
		m.counters[c.Key] = mc
	}
	return nil
}

func (m *MemoryStore) Used(ctx context.Context, counters []Counter) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()
	out := make([]int, len(counters))
	for i, c := range counters {
		out[i] = m.counters[c.Key].used
	}
	return out, nil
}

func (m *MemoryStore) Reset(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.counters {
		if strings.HasPrefix(k, prefix) {
			delete(m.counters, k)
		}
	}
	return nil
}

func (m *MemoryStore) purgeLocked() {
	now := m.now()
	for k, c := range m.counters {
		if !now.Before(c.expireAt) {
			delete(m.counters, k)
		}
	}
}

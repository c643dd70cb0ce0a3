package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis, shared across replicas.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Name() string { return "redis" }

// Incr runs INCR and PEXPIREAT in one MULTI/EXEC so the counter and its expiry
// are set together.
func (r *RedisStore) Incr(ctx context.Context, key string, expireAt time.Time) (int, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpireAt(ctx, key, expireAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

type memoryCount struct {
	count    int
	expireAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	counts   map[string]memoryCount
	now      func() time.Time
	lastSeen time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]memoryCount), now: time.Now}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Incr(ctx context.Context, key string, expireAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSeen) > time.Minute {
		for k, c := range m.counts {
			if !now.Before(c.expireAt) {
				delete(m.counts, k)
			}
		}
		m.lastSeen = now
	}

	c := m.counts[key]
	if !c.expireAt.IsZero() && !now.Before(c.expireAt) {
		c = memoryCount{}
	}
	c.count++
	c.expireAt = expireAt
	m.counts[key] = c
	return c.count, nil
}

package quota

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// reserveScript checks every counter first and increments all of them only
// when each stays within its limit.
// KEYS: counters. ARGV[1]: cost. ARGV[2..n+1]: limits. ARGV[n+2..2n+1]: expire-at ms.
var reserveScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local n = #KEYS
for i = 1, n do
  local used = tonumber(redis.call('GET', KEYS[i]) or '0')
  if used + cost > tonumber(ARGV[i + 1]) then
    return 0
  end
end
for i = 1, n do
  redis.call('INCRBY', KEYS[i], cost)
  redis.call('PEXPIREAT', KEYS[i], ARGV[n + i + 1])
end
return 1
`)

var releaseScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
for i = 1, #KEYS do
  local used = tonumber(redis.call('GET', KEYS[i]) or '0')
  if used > 0 then
    local left = used - cost
    if left < 0 then left = 0 end
    redis.call('SET', KEYS[i], left, 'KEEPTTL')
  end
end
return 1
`)

// RedisStore keeps counters in Redis so every replica shares one budget.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Store over client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Reserve(ctx context.Context, counters []Counter, cost int) (bool, error) {
	keys := make([]string, len(counters))
	args := make([]any, 0, 1+2*len(counters))
	args = append(args, cost)
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, c.Limit)
	}
	for _, c := range counters {
		args = append(args, c.ExpireAt.UnixMilli())
	}
	n, err := reserveScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, counters []Counter, cost int) error {
	keys := make([]string, len(counters))
	for i, c := range counters {
		keys[i] = c.Key
	}
	return releaseScript.Run(ctx, r.client, keys, cost).Err()
}

func (r *RedisStore) Used(ctx context.Context, counters []Counter) ([]int, error) {
	client := r.client
	keys := make([]string, len(counters))
	for i, c := range counters {
		keys[i] = c.Key
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(counters))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i], _ = strconv.Atoi(s)
		}
	}
	return out, nil
}

func (r *RedisStore) Reset(ctx context.Context, prefix string) error {
	client := r.client
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

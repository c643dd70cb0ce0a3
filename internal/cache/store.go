package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"time"
)

const (
	defaultOpTimeout      = 250 * time.Millisecond
	defaultStaleRetention = 24 * time.Hour
	envelopeHeader        = 8
)

// ErrNotFound is returned by a Backend on a miss.
var ErrNotFound = errors.New("cache: not found")

// Backend is the raw key/value surface a Store persists envelopes to.
// Implementations return ErrNotFound for missing keys and any other error
// when the backing system is unreachable.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Name() string
}

// Store is the TTL cache used on the request path. Every value carries its
// logical expiry in an 8 byte header; the backend keeps it for an extra
// stale-retention period so the rescue path can still read it.
//
// Backend failures never surface: reads degrade to misses and writes to no-ops.
type Store struct {
	backend        Backend
	opTimeout      time.Duration
	staleRetention time.Duration
	now            func() time.Time
	flights        *flightGroup
}

// Option configures a Store.
type Option func(*Store)

// WithOpTimeout bounds every backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithStaleRetention controls how long expired entries stay readable via GetStale.
func WithStaleRetention(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.staleRetention = d
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		opTimeout:      defaultOpTimeout,
		staleRetention: defaultStaleRetention,
		now:            time.Now,
		flights:        newFlightGroup(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the name of the backing store, e.g. "redis" or "memory".
func (s *Store) Backend() string {
	if s.backend == nil {
		return "none"
	}
	return s.backend.Name()
}

// Get returns the value for key if it exists and has not expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	value, expiresAt, ok := s.read(ctx, key)
	if !ok || !s.now().Before(expiresAt) {
		return nil, false
	}
	return value, true
}

// GetStale returns the value for key regardless of logical expiry, along with
// the time it expired (or will expire). Used only by the rescue path.
func (s *Store) GetStale(ctx context.Context, key string) ([]byte, time.Time, bool) {
	return s.read(ctx, key)
}

// Has reports whether a fresh entry exists for key.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Set stores value under key for ttl.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.backend == nil || ttl <= 0 {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	expiresAt := s.now().Add(ttl)
	if err := s.backend.Set(opCtx, key, encode(value, expiresAt), ttl+s.staleRetention); err != nil {
		log.Printf("cache set %s degraded (%s): %v", key, s.backend.Name(), err)
	}
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) {
	if s.backend == nil {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.backend.Del(opCtx, key); err != nil {
		log.Printf("cache delete %s degraded (%s): %v", key, s.backend.Name(), err)
	}
}

// GetMultiple returns the fresh entries among keys. Misses are absent from the map.
func (s *Store) GetMultiple(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	if s.backend == nil || len(keys) == 0 {
		return out
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.backend.MGet(opCtx, keys)
	if err != nil {
		log.Printf("cache mget degraded (%s): %v", s.backend.Name(), err)
		return out
	}
	now := s.now()
	for i, key := range keys {
		if i >= len(raw) || raw[i] == nil {
			continue
		}
		value, expiresAt, ok := decode(raw[i])
		if ok && now.Before(expiresAt) {
			out[key] = value
		}
	}
	return out
}

// SetMultiple stores every entry with the same ttl.
func (s *Store) SetMultiple(ctx context.Context, entries map[string][]byte, ttl time.Duration) {
	for key, value := range entries {
		s.Set(ctx, key, value, ttl)
	}
}

// Clear drops every entry owned by this store.
func (s *Store) Clear(ctx context.Context) {
	if s.backend == nil {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.backend.Clear(opCtx); err != nil {
		log.Printf("cache clear degraded (%s): %v", s.backend.Name(), err)
	}
}

// Size returns the number of retained entries, fresh or stale. It reports 0
// when the backend is unreachable.
func (s *Store) Size(ctx context.Context) int {
	if s.backend == nil {
		return 0
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.backend.Size(opCtx)
	if err != nil {
		log.Printf("cache size degraded (%s): %v", s.backend.Name(), err)
		return 0
	}
	return n
}

// Do returns the fresh value for key, computing it with load on a miss.
// Concurrent callers for the same key share one load; the result is written
// with ttl before any waiter is released. shared reports whether this caller
// joined a load started by someone else.
//
// Load runs under a context that is cancelled only when every waiting caller
// has given up.
func (s *Store) Do(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) (value []byte, shared bool, err error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, false, nil
	}
	return s.flights.do(ctx, key, func(fctx context.Context) ([]byte, error) {
		if v, ok := s.Get(fctx, key); ok {
			return v, nil
		}
		v, err := load(fctx)
		if err != nil {
			return nil, err
		}
		s.Set(fctx, key, v, ttl)
		return v, nil
	})
}

func (s *Store) read(ctx context.Context, key string) ([]byte, time.Time, bool) {
	if s.backend == nil {
		return nil, time.Time{}, false
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.backend.Get(opCtx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("cache get %s degraded (%s): %v", key, s.backend.Name(), err)
		}
		return nil, time.Time{}, false
	}
	return decode(raw)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func encode(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, envelopeHeader+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	copy(buf[envelopeHeader:], value)
	return buf
}

func decode(raw []byte) ([]byte, time.Time, bool) {
	if len(raw) < envelopeHeader {
		return nil, time.Time{}, false
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
	value := make([]byte, len(raw)-envelopeHeader)
	copy(value, raw[envelopeHeader:])
	return value, expiresAt, true
}

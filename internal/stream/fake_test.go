package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alfalyzer/internal/domain"

	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial refused")

type fakeSession struct {
	frames    chan frame
	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	subscribed []string
}

type frame struct {
	tick domain.Tick
	err  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{frames: make(chan frame, 64), closed: make(chan struct{})}
}

func (s *fakeSession) Next(ctx context.Context) (domain.Tick, error) {
	select {
	case <-ctx.Done():
		return domain.Tick{}, ctx.Err()
	case <-s.closed:
		return domain.Tick{}, errors.New("session closed")
	case f := <-s.frames:
		return f.tick, f.err
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) Subscribe(symbols []string) error {
	s.mu.Lock()
	s.subscribed = append(s.subscribed, symbols...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) push(symbol string, price float64, ts time.Time) {
	s.frames <- frame{tick: domain.Tick{Symbol: symbol, Price: price, Timestamp: ts}}
}

// fakeSource hands out queued sessions; with none queued, Dial fails.
type fakeSource struct {
	id       string
	dials    atomic.Int32
	mu       sync.Mutex
	sessions []*fakeSession
	symbols  [][]string
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Dial(ctx context.Context, symbols []string) (domain.StreamSession, error) {
	f.dials.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, symbols)
	if len(f.sessions) == 0 {
		return nil, errDial
	}
	s := f.sessions[0]
	f.sessions = f.sessions[1:]
	return s, nil
}

func (f *fakeSource) queue(s ...*fakeSession) {
	f.mu.Lock()
	f.sessions = append(f.sessions, s...)
	f.mu.Unlock()
}

func testConfig(maxReconnects int) Config {
	return Config{
		MaxReconnects: maxReconnects,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		Concurrency:   2,
		MetricsWindow: time.Minute,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []StateChange
}

func (r *recorder) hook(ev StateChange) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) edges(source string) [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][2]State
	for _, ev := range r.events {
		if ev.SourceID == source {
			out = append(out, [2]State{ev.From, ev.To})
		}
	}
	return out
}

func waitForState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := m.Snapshot(id)
		return err == nil && snap.State == want
	}, 2*time.Second, 2*time.Millisecond, "source %s never reached %s", id, want)
}

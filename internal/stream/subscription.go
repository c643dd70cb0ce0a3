package stream

import (
	"context"
	"log"
	"sort"
	"sync/atomic"

	"alfalyzer/internal/domain"
)

// UpdateFunc is called for every accepted tick of a subscribed symbol.
type UpdateFunc func(symbol string, price float64)

const subscriptionBuffer = 256

type update struct {
	symbol string
	price  float64
}

// Subscription is a live registration returned by ConnectRealTimeUpdates.
// Each subscription has its own delivery goroutine, so a slow or panicking
// callback only affects itself. When its buffer is full, ticks are dropped
// and counted.
type Subscription struct {
	id       uint64
	manager  *Manager
	symbols  map[string]struct{}
	onUpdate UpdateFunc
	updates  chan update
	done     chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
}

func newSubscription(id uint64, m *Manager, symbols map[string]struct{}, onUpdate UpdateFunc) *Subscription {
	s := &Subscription{
		id:       id,
		manager:  m,
		symbols:  symbols,
		onUpdate: onUpdate,
		updates:  make(chan update, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Symbols returns the subscribed symbols, sorted.
func (s *Subscription) Symbols() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Close stops delivery. Streams stay connected for other subscribers.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.manager.subMu.Lock()
		delete(s.manager.subs, s.id)
		s.manager.subMu.Unlock()
		close(s.done)
	}
}

// Dropped returns how many ticks were discarded because the callback fell
// behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(symbol string) bool {
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Subscription) deliver(symbol string, price float64) {
	if s.closed.Load() {
		return
	}
	select {
	case s.updates <- update{symbol: symbol, price: price}:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("stream subscription %d: callback is behind, %d ticks dropped", s.id, n)
		}
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case u := <-s.updates:
			if s.closed.Load() {
				return
			}
			s.call(u)
		}
	}
}

func (s *Subscription) call(u update) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stream subscription %d: callback panicked on %s: %v", s.id, u.symbol, r)
		}
	}()
	s.onUpdate(u.symbol, u.price)
}

// ConnectRealTimeUpdates subscribes onUpdate to symbols across every
// registered source. New symbols are pushed to live sessions that support it
// and sources that are not yet running are connected. FAILED sources are
// left for an explicit operator Connect.
func (m *Manager) ConnectRealTimeUpdates(ctx context.Context, symbols []string, onUpdate UpdateFunc) (*Subscription, error) {
	ctx, span := m.tracer.Start(ctx, "stream.connect-real-time-updates")
	defer span.End()

	if onUpdate == nil {
		return nil, ErrNilCallback
	}
	set := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		if s, ok := domain.NormalizeSymbol(raw); ok {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, ErrNoSymbols
	}

	m.subMu.Lock()
	m.nextSub++
	sub := newSubscription(m.nextSub, m, set, onUpdate)
	m.subs[sub.id] = sub
	m.subMu.Unlock()

	for _, id := range m.Sources() {
		c, err := m.get(id)
		if err != nil {
			continue
		}
		c.mu.Lock()
		var added []string
		for s := range set {
			if _, ok := c.symbols[s]; !ok {
				c.symbols[s] = struct{}{}
				added = append(added, s)
			}
		}
		state, session := c.state, c.session
		c.mu.Unlock()

		if len(added) > 0 && session != nil {
			if subscriber, ok := session.(domain.SymbolSubscriber); ok {
				sort.Strings(added)
				if err := subscriber.Subscribe(added); err != nil {
					log.Printf("stream %s: subscribe %v failed: %v", id, added, err)
				}
			}
		}
		if state == Disconnected {
			if err := m.Connect(ctx, id); err != nil {
				log.Printf("stream %s: connect for subscription failed: %v", id, err)
			}
		}
	}
	return sub, nil
}

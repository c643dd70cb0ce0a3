package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"alfalyzer/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownSource   = errors.New("unknown stream source")
	ErrDuplicateSource = errors.New("stream source already registered")
	ErrNoSymbols       = errors.New("no valid symbols")
	ErrNilCallback     = errors.New("nil update callback")
)

// Config bounds reconnect behaviour and fan-out.
type Config struct {
	MaxReconnects int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	Concurrency   int
	MetricsWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxReconnects: 8,
		BackoffBase:   500 * time.Millisecond,
		BackoffCap:    30 * time.Second,
		Concurrency:   4,
		MetricsWindow: time.Minute,
	}
}

// StateChange describes one transition, delivered to OnStateChange hooks.
type StateChange struct {
	SourceID string
	From     State
	To       State
	Err      string
	At       time.Time
}

// TickSink receives every accepted tick after subscribers have been called.
type TickSink interface {
	PublishTick(ctx context.Context, tick domain.Tick) error
}

// Snapshot is a consistent copy of one connection's state and metrics.
type Snapshot struct {
	SourceID          string        `json:"source_id"`
	State             State         `json:"state"`
	Since             time.Time     `json:"since"`
	Symbols           []string      `json:"symbols"`
	Metrics           Metrics       `json:"metrics"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	NextBackoff       time.Duration `json:"next_backoff"`
	LastError         string        `json:"last_error,omitempty"`
}

// Result is the per-source outcome of ConnectAll or DisconnectAll.
type Result struct {
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

type connection struct {
	mu sync.Mutex

	source      domain.StreamSource
	symbols     map[string]struct{}
	state       State
	since       time.Time
	attempts    int
	nextBackoff time.Duration
	lastErr     string
	metrics     *metricsTracker
	lastTick    map[string]time.Time

	// gen is bumped whenever the running goroutine is superseded; a goroutine
	// holding an older generation must not write state.
	gen     uint64
	cancel  context.CancelFunc
	session domain.StreamSession
	changed chan struct{}
}

// Manager owns every streaming connection. Connection state is written only
// by the manager, under the connection mutex.
type Manager struct {
	cfg     Config
	backoff *Backoff
	tracer  trace.Tracer
	now     func() time.Time

	mu    sync.RWMutex
	conns map[string]*connection
	order []string

	subMu   sync.RWMutex
	subs    map[uint64]*Subscription
	nextSub uint64

	hookMu sync.RWMutex
	hooks  []func(StateChange)
	sinks  []TickSink
}

// Option configures a Manager.
type Option func(*Manager)

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTickSink(sink TickSink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
}

func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = def.MetricsWindow
	}
	m := &Manager{
		cfg:     cfg,
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		tracer:  otel.Tracer("stream"),
		now:     time.Now,
		conns:   make(map[string]*connection),
		subs:    make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a source in DISCONNECTED state with an initial symbol set.
func (m *Manager) Register(source domain.StreamSource, symbols ...string) error {
	id := source.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, id)
	}
	c := &connection{
		source:   source,
		symbols:  make(map[string]struct{}),
		state:    Disconnected,
		since:    m.now(),
		metrics:  newMetricsTracker(m.cfg.MetricsWindow),
		lastTick: make(map[string]time.Time),
		changed:  make(chan struct{}),
	}
	for _, raw := range symbols {
		if s, ok := domain.NormalizeSymbol(raw); ok {
			c.symbols[s] = struct{}{}
		}
	}
	m.conns[id] = c
	m.order = append(m.order, id)
	return nil
}

// Remove disconnects a source and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Disconnect(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.conns, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// Sources returns the registered source ids in registration order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// OnStateChange registers a hook called after every transition.
// Hooks run on the goroutine that made the transition and must not block.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

// Connect starts a source. From FAILED it performs a full teardown first, so
// the source begins a fresh lifecycle with zeroed metrics. Connecting an
// already active source is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "stream.connect", trace.WithAttributes(attribute.String("source", id)))
	defer span.End()

	c, err := m.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	var events []StateChange
	switch c.state {
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return nil
	case Paused:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is paused, resume it instead", ErrInvalidTransition, id)
	case Failed:
		events = append(events, m.transitionLocked(c, Disconnected, ""))
	}
	c.metrics.reset()
	c.lastTick = make(map[string]time.Time)
	c.attempts = 0
	c.nextBackoff = 0
	c.lastErr = ""
	events = append(events, m.transitionLocked(c, Connecting, ""))
	m.startLocked(c)
	c.mu.Unlock()

	m.emit(events)
	return nil
}

// Disconnect stops a source. It is allowed from any state.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "stream.disconnect", trace.WithAttributes(attribute.String("source", id)))
	defer span.End()

	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	m.stopLocked(c)
	c.nextBackoff = 0
	ev := m.transitionLocked(c, Disconnected, "")
	c.mu.Unlock()

	m.emit([]StateChange{ev})
	return nil
}

// Pause suspends a CONNECTED or RECONNECTING source, keeping its metrics.
func (m *Manager) Pause(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "stream.pause", trace.WithAttributes(attribute.String("source", id)))
	defer span.End()

	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !CanTransition(c.state, Paused) {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, Paused)
	}
	m.stopLocked(c)
	c.nextBackoff = 0
	ev := m.transitionLocked(c, Paused, "")
	c.mu.Unlock()

	m.emit([]StateChange{ev})
	return nil
}

// Resume restarts a PAUSED source.
func (m *Manager) Resume(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "stream.resume", trace.WithAttributes(attribute.String("source", id)))
	defer span.End()

	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != Paused {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, Connecting)
	}
	c.attempts = 0
	ev := m.transitionLocked(c, Connecting, "")
	m.startLocked(c)
	c.mu.Unlock()

	m.emit([]StateChange{ev})
	return nil
}

// ConnectAll connects every source with bounded concurrency and waits until
// each settles (CONNECTED, FAILED, or stopped) or ctx is done. Sources are
// independent, so the result may mix outcomes.
func (m *Manager) ConnectAll(ctx context.Context) map[string]Result {
	ctx, span := m.tracer.Start(ctx, "stream.connect-all")
	defer span.End()

	return m.forEach(ctx, func(ctx context.Context, id string) Result {
		if err := m.Connect(ctx, id); err != nil {
			return m.result(id, err)
		}
		return m.result(id, m.waitSettled(ctx, id))
	})
}

// DisconnectAll disconnects every source with bounded concurrency.
func (m *Manager) DisconnectAll(ctx context.Context) map[string]Result {
	ctx, span := m.tracer.Start(ctx, "stream.disconnect-all")
	defer span.End()

	return m.forEach(ctx, func(ctx context.Context, id string) Result {
		return m.result(id, m.Disconnect(ctx, id))
	})
}

func (m *Manager) forEach(ctx context.Context, fn func(context.Context, string) Result) map[string]Result {
	ids := m.Sources()
	results := make(map[string]Result, len(ids))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res := fn(ctx, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) result(id string, err error) Result {
	res := Result{}
	if snap, serr := m.Snapshot(id); serr == nil {
		res.State = snap.State
		if err == nil && snap.State == Failed {
			res.Error = snap.LastError
		}
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (m *Manager) waitSettled(ctx context.Context, id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		switch state {
		case Connected, Failed, Disconnected, Paused:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Snapshot returns a consistent copy of one connection.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	c, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(c), nil
}

// Snapshots returns every connection in registration order.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.order))
	for _, id := range m.order {
		conns = append(conns, m.conns[id])
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, m.snapshot(c))
	}
	return out
}

func (m *Manager) snapshot(c *connection) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return Snapshot{
		SourceID:          c.source.ID(),
		State:             c.state,
		Since:             c.since,
		Symbols:           symbols,
		Metrics:           c.metrics.snapshot(m.now()),
		ReconnectAttempts: c.attempts,
		NextBackoff:       c.nextBackoff,
		LastError:         c.lastErr,
	}
}

func (m *Manager) get(id string) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return c, nil
}

// transitionLocked moves c to the next state. Callers only request edges the
// state machine defines; anything else is a programming error and is logged
// and ignored.
func (m *Manager) transitionLocked(c *connection, to State, reason string) StateChange {
	from := c.state
	ev := StateChange{SourceID: c.source.ID(), From: from, To: to, Err: reason, At: m.now()}
	if !CanTransition(from, to) {
		log.Printf("stream %s: refusing transition %s -> %s", ev.SourceID, from, to)
		ev.To = from
		return ev
	}
	if from == Connected {
		c.metrics.markDown(ev.At)
	}
	if to == Connected {
		c.metrics.markUp(ev.At)
	}
	c.state = to
	c.since = ev.At
	close(c.changed)
	c.changed = make(chan struct{})
	return ev
}

func (m *Manager) startLocked(c *connection) {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go m.run(ctx, c, c.gen)
}

func (m *Manager) stopLocked(c *connection) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
}

func (m *Manager) emit(events []StateChange) {
	m.hookMu.RLock()
	hooks := append([]func(StateChange){}, m.hooks...)
	m.hookMu.RUnlock()
	for _, ev := range events {
		if ev.From == ev.To {
			continue
		}
		log.Printf("stream %s: %s -> %s", ev.SourceID, ev.From, ev.To)
		for _, hook := range hooks {
			hook(ev)
		}
	}
}

// run is the single writer goroutine for one connection generation.
func (m *Manager) run(ctx context.Context, c *connection, gen uint64) {
	for {
		symbols := m.symbolList(c)
		session, err := c.source.Dial(ctx, symbols)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay, retry := m.dialFailed(c, gen, err)
			if !retry || !sleep(ctx, delay) {
				return
			}
			continue
		}

		if !m.connected(c, gen, session) {
			_ = session.Close()
			return
		}
		err = m.consume(ctx, c, gen, session)
		_ = session.Close()
		if ctx.Err() != nil {
			return
		}
		delay, retry := m.dropped(c, gen, err)
		if !retry || !sleep(ctx, delay) {
			return
		}
	}
}

func (m *Manager) dialFailed(c *connection, gen uint64, err error) (time.Duration, bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return 0, false
	}
	var events []StateChange
	c.attempts++
	c.lastErr = err.Error()
	if c.state == Connecting {
		events = append(events, m.transitionLocked(c, Reconnecting, c.lastErr))
	}
	if c.attempts > m.cfg.MaxReconnects {
		events = append(events, m.transitionLocked(c, Failed, c.lastErr))
		c.nextBackoff = 0
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		m.emit(events)
		return 0, false
	}
	delay := m.backoff.Delay(c.attempts - 1)
	c.nextBackoff = delay
	c.mu.Unlock()

	m.emit(events)
	return delay, true
}

func (m *Manager) connected(c *connection, gen uint64, session domain.StreamSession) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	ev := m.transitionLocked(c, Connected, "")
	c.session = session
	c.attempts = 0
	c.nextBackoff = 0
	c.mu.Unlock()

	m.emit([]StateChange{ev})
	return true
}

func (m *Manager) dropped(c *connection, gen uint64, err error) (time.Duration, bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return 0, false
	}
	c.session = nil
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = "session closed"
	}
	ev := m.transitionLocked(c, Reconnecting, c.lastErr)
	delay := m.backoff.Delay(0)
	c.nextBackoff = delay
	c.mu.Unlock()

	m.emit([]StateChange{ev})
	return delay, true
}

func (m *Manager) consume(ctx context.Context, c *connection, gen uint64, session domain.StreamSession) error {
	for {
		tick, err := session.Next(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrMalformedMessage) {
				return err
			}
			if !m.recordError(c, gen) {
				return nil
			}
			continue
		}
		accepted, current := m.accept(c, gen, &tick)
		if !current {
			return nil
		}
		if accepted {
			m.dispatch(ctx, tick)
		}
	}
}

func (m *Manager) recordError(c *connection, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.metrics.recordError(m.now())
	return true
}

// accept applies the per-symbol ordering guard: a tick older than the last
// accepted one for the same symbol is counted as a failed message.
func (m *Manager) accept(c *connection, gen uint64, tick *domain.Tick) (accepted, current bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false, false
	}
	now := m.now()
	symbol, ok := domain.NormalizeSymbol(tick.Symbol)
	if !ok || tick.Price <= 0 {
		c.metrics.recordError(now)
		return false, true
	}
	tick.Symbol = symbol
	tick.SourceID = c.source.ID()
	if tick.Timestamp.IsZero() {
		tick.Timestamp = now
	}
	if last, seen := c.lastTick[symbol]; seen && tick.Timestamp.Before(last) {
		c.metrics.recordError(now)
		return false, true
	}
	c.lastTick[symbol] = tick.Timestamp
	c.metrics.recordMessage(now, tick.Timestamp)
	return true, true
}

func (m *Manager) dispatch(ctx context.Context, tick domain.Tick) {
	m.subMu.RLock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.wants(tick.Symbol) {
			targets = append(targets, sub)
		}
	}
	m.subMu.RUnlock()

	for _, sub := range targets {
		sub.deliver(tick.Symbol, tick.Price)
	}
	for _, sink := range m.sinks {
		if err := sink.PublishTick(ctx, tick); err != nil {
			log.Printf("stream %s: tick sink failed: %v", tick.SourceID, err)
		}
	}
}

func (m *Manager) symbolList(c *connection) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

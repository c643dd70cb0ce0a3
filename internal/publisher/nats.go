package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"alfalyzer/internal/domain"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotConnected = errors.New("nats publisher not connected")

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

var dial = func(url string, opts ...nats.Option) (conn, error) {
	return nats.Connect(url, opts...)
}

// TickPublisher fans accepted stream ticks out to NATS subjects of the form
// <prefix>.<source>.<symbol>. It satisfies stream.TickSink.
type TickPublisher struct {
	tracer    trace.Tracer
	prefix    string
	nc        conn
	connected atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
}

func NewTickPublisher(tracer trace.Tracer, subjectPrefix string) *TickPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "ticks"
	}
	return &TickPublisher{tracer: tracer, prefix: subjectPrefix}
}

// Connect dials the NATS server. The client keeps reconnecting on its own
// after the first successful connect.
func (p *TickPublisher) Connect(url string) error {
	nc, err := dial(url,
		nats.Name("alfalyzer-ticks"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
			p.connected.Store(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected to %s", nc.ConnectedUrl())
			p.connected.Store(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			p.connected.Store(false)
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", url, err)
	}
	p.nc = nc
	p.connected.Store(true)
	log.Printf("Tick publisher connected to NATS (subject prefix %q)", p.prefix)
	return nil
}

func (p *TickPublisher) PublishTick(ctx context.Context, tick domain.Tick) error {
	_, span := p.tracer.Start(ctx, "publisher.publish-tick")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", tick.Symbol))

	if p.nc == nil || !p.connected.Load() {
		p.failed.Add(1)
		return ErrNotConnected
	}

	data, err := json.Marshal(tick)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("encode tick: %w", err)
	}
	subject := p.Subject(tick)
	if err := p.nc.Publish(subject, data); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.published.Add(1)
	return nil
}

// Subject builds the NATS subject for a tick. Characters that NATS treats as
// tokens or wildcards are replaced.
func (p *TickPublisher) Subject(tick domain.Tick) string {
	return p.prefix + "." + subjectToken(tick.SourceID) + "." + subjectToken(tick.Symbol)
}

// Stats returns the published and failed counts.
func (p *TickPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close drains pending messages and closes the connection.
func (p *TickPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	p.connected.Store(false)
	return p.nc.Drain()
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

package domain

import (
	"context"
	"errors"
)

// ErrMalformedMessage marks an inbound stream frame that could not be decoded.
// Sessions wrap it so the caller can count the frame and keep reading.
var ErrMalformedMessage = errors.New("malformed stream message")

// StreamSource dials live sessions against one upstream feed.
type StreamSource interface {
	ID() string
	Dial(ctx context.Context, symbols []string) (StreamSession, error)
}

// StreamSession is a single connected transport. Next blocks for the next tick
// and must return once ctx is done. Close must be safe to call more than once.
type StreamSession interface {
	Next(ctx context.Context) (Tick, error)
	Close() error
}

// SymbolSubscriber is implemented by sessions that can add symbols without redialing.
type SymbolSubscriber interface {
	Subscribe(symbols []string) error
}

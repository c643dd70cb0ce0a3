// Package stream keeps one logical session per streaming source alive
// through an explicit reconnect state machine and fans ticks out to
// subscribers.
package stream

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Paused
	Failed
)

var stateNames = map[State]string{
	Disconnected: "DISCONNECTED",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	Reconnecting: "RECONNECTING",
	Paused:       "PAUSED",
	Failed:       "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// ErrInvalidTransition is returned when an operation would take a connection
// along an edge the state machine does not define.
var ErrInvalidTransition = errors.New("invalid state transition")

// edges lists every allowed transition except X→DISCONNECTED, which is
// always allowed.
var edges = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting},
	Connected:    {Reconnecting, Paused},
	Reconnecting: {Connected, Failed, Paused},
	Paused:       {Connecting},
	Failed:       {},
}

// CanTransition reports whether from→to is an edge of the state machine.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return from != Disconnected
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

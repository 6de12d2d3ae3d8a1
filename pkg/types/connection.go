package types

import (
	"fmt"
	"time"
)

// Kind selects the transport backend behind a perf connection.
type Kind string

const (
	// KindStream dials with quic-go directly and drives one bidirectional
	// stream from a dedicated event loop.
	KindStream Kind = "stream"
	// KindEngine delegates the whole connection lifecycle to a user-space
	// engine that owns its own socket and counter.
	KindEngine Kind = "engine"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStream, KindEngine:
		return Kind(s), nil
	case "":
		return KindStream, nil
	default:
		return "", fmt.Errorf("invalid backend %q (must be stream or engine)", s)
	}
}

// State is the lifecycle of one backend instance. Transitions only move
// forward: Idle, Connecting, Ready, then Closed or Failed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ConnectionInfo describes the active connection of a session.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"backend"`
	Endpoint  string    `json:"endpoint"`
	State     string    `json:"state"`
	Count     uint64    `json:"count"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

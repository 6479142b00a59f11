package models

import "fmt"

// StateKind is the tag of a ConnectionState.
type StateKind int

const (
	StateIdle StateKind = iota
	StateNegotiating
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

var stateNames = map[StateKind]string{
	StateIdle:         "idle",
	StateNegotiating:  "negotiating",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
	StateClosed:       "closed",
}

func (k StateKind) String() string {
	if name, ok := stateNames[k]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// ConnectionState is the peer session state. Reason is only set for StateFailed.
type ConnectionState struct {
	Kind   StateKind
	Reason string
}

// Idle is the initial state of every peer session.
func Idle() ConnectionState { return ConnectionState{Kind: StateIdle} }

// Failed builds the Failed variant with a diagnostic reason.
func Failed(reason string) ConnectionState {
	return ConnectionState{Kind: StateFailed, Reason: reason}
}

func (s ConnectionState) String() string {
	if s.Kind == StateFailed && s.Reason != "" {
		return fmt.Sprintf("%s (%s)", s.Kind, s.Reason)
	}
	return s.Kind.String()
}

// Terminal reports whether no further transitions except Closed can happen.
func (s ConnectionState) Terminal() bool {
	return s.Kind == StateFailed || s.Kind == StateClosed
}

// Package session tracks peer connections through the gateway lifecycle.
package session

import "errors"

// State is a session's lifecycle phase.
//
// Sessions move strictly forward: ACCEPTED when the transport connection
// lands, PRE_AUTH once admitted, READY once authentication is satisfied
// (or was never required), CLOSED on any exit. CLOSED is terminal.
type State int32

const (
	// StateAccepted means the connection was admitted but no session
	// resources are bound yet.
	StateAccepted State = iota
	// StatePreAuth means the session exists but only authenticate and
	// initialize are honored.
	StatePreAuth
	// StateReady means frames flow to and from the child process.
	StateReady
	// StateClosed means the session is torn down; no further frames.
	StateClosed
)

// String returns the lifecycle phase name used in logs and audit details.
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StatePreAuth:
		return "pre_auth"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a caller requests a lifecycle
// move the state machine does not permit.
var ErrInvalidTransition = errors.New("invalid session state transition")

// validNext enumerates the permitted transitions.
var validNext = map[State][]State{
	StateAccepted: {StatePreAuth, StateClosed},
	StatePreAuth:  {StateReady, StateClosed},
	StateReady:    {StateClosed},
	StateClosed:   {},
}

func canTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

package session

import "errors"

// Registry tracks the live sessions of one listener and enforces its
// connection cap. This interface is defined in the domain to avoid
// circular imports; the in-memory implementation lives in
// adapter/outbound/memory.
type Registry interface {
	// Add registers a session. Returns ErrCapacity when the listener
	// is at its connection limit.
	Add(s *Session) error

	// Remove deregisters a session by id. Removing an unknown id is a
	// no-op.
	Remove(id string)

	// Count returns the number of live sessions.
	Count() int

	// Capacity returns the configured connection limit.
	Capacity() int

	// Snapshot returns the live sessions at a point in time.
	Snapshot() []*Session
}

// ErrCapacity is returned when a listener is at its connection limit.
var ErrCapacity = errors.New("connection limit reached")

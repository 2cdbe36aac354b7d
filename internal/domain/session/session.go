package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// seq numbers sessions process-wide so ids stay unique even when one
// peer address reconnects.
var seq atomic.Uint64

// Session is one peer connection. All methods are safe for concurrent
// use; the two pump goroutines and the sweeper share a session.
type Session struct {
	// id is "<remoteAddr>#<n>".
	id string
	// listener names the inbound surface: "ws" or "tcp".
	listener string
	// remoteAddr is the peer's full address including port.
	remoteAddr string
	// remoteIP is the peer address without port, as used for blocking.
	remoteIP string
	// createdAt is when the connection was accepted.
	createdAt time.Time

	mu    sync.Mutex
	state State

	// lastActivity is unix nanoseconds, updated from both pump
	// directions without taking mu.
	lastActivity atomic.Int64

	// pending tracks forwarded request ids (raw JSON text) that have
	// not seen a response yet, with their forwarding time for
	// oldest-wins correlation.
	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// New creates a Session in StateAccepted.
func New(listener, remoteAddr string) *Session {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}
	now := time.Now()
	s := &Session{
		id:         fmt.Sprintf("%s#%d", remoteAddr, seq.Add(1)),
		listener:   listener,
		remoteAddr: remoteAddr,
		remoteIP:   ip,
		createdAt:  now,
		state:      StateAccepted,
		pending:    make(map[string]time.Time),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Listener returns the inbound surface name.
func (s *Session) Listener() string { return s.listener }

// RemoteAddr returns the peer's address including port.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// RemoteIP returns the peer's address without port.
func (s *Session) RemoteIP() string { return s.remoteIP }

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given phase, enforcing the
// lifecycle diagram. Transitioning CLOSED to CLOSED is a no-op so
// every teardown path can close unconditionally.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed && to == StateClosed {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Touch refreshes the idle deadline. Called on inbound bytes from the
// peer and on child output delivered to the peer.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent traffic in either
// direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Expired reports whether the session has been idle longer than timeout.
// A zero timeout disables expiry.
func (s *Session) Expired(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(s.LastActivity()) > timeout
}

// TrackRequest records a forwarded request id awaiting a response.
func (s *Session) TrackRequest(idKey string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, exists := s.pending[idKey]; !exists {
		s.pending[idKey] = time.Now()
	}
}

// ResolveRequest removes a pending id, reporting whether it was tracked.
func (s *Session) ResolveRequest(idKey string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pending[idKey]; !ok {
		return false
	}
	delete(s.pending, idKey)
	return true
}

// PendingSince returns when idKey was forwarded, for oldest-wins
// correlation across sessions sharing one child.
func (s *Session) PendingSince(idKey string) (time.Time, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	at, ok := s.pending[idKey]
	return at, ok
}

// PendingCount returns the number of in-flight request ids.
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

package service

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// PeerWriter delivers one frame to a session's peer.
type PeerWriter func(frame []byte) error

// Dispatcher routes frames from the shared child back to the TCP sessions
// multiplexed onto it. Responses go to the session that forwarded the
// matching request id; notifications (no id) are broadcast to everyone.
//
// Request ids are correlated by their raw JSON text, never rewritten. When
// two sessions have the same id in flight, the one that forwarded it first
// wins; the other keeps waiting and times out on its own.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	attached map[string]*attachment

	unmatched   atomic.Uint64
	unparseable atomic.Uint64
}

// attachment pairs a READY session with the writer that reaches its peer.
type attachment struct {
	sess  *session.Session
	write PeerWriter
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		attached: make(map[string]*attachment),
	}
}

// Attach registers a session for child frame delivery. Sessions attach
// when they reach READY, never earlier: a pre-auth peer must not receive
// broadcasts.
func (d *Dispatcher) Attach(sess *session.Session, write PeerWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[sess.ID()] = &attachment{sess: sess, write: write}
}

// Detach removes a session. Its pending ids die with it; late responses
// for them are dropped as unmatched.
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attached, sessionID)
}

// Attached returns the number of sessions currently receiving frames.
func (d *Dispatcher) Attached() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.attached)
}

// Unmatched returns how many responses arrived with no session waiting
// on their id.
func (d *Dispatcher) Unmatched() uint64 {
	return d.unmatched.Load()
}

// Unparseable returns how many child frames were dropped as invalid JSON.
func (d *Dispatcher) Unparseable() uint64 {
	return d.unparseable.Load()
}

// Dispatch routes one frame from the shared child. It is the supervisor's
// onFrame callback and runs on the supervisor's fan-out goroutine.
func (d *Dispatcher) Dispatch(frame []byte) {
	if !wire.Valid(frame) {
		d.unparseable.Add(1)
		d.logger.Debug("dropping unparseable child frame", "bytes", len(frame))
		return
	}

	idKey, hasID := wire.IDKey(frame)
	if !hasID {
		d.broadcast(frame)
		return
	}

	target := d.claim(idKey)
	if target == nil {
		d.unmatched.Add(1)
		d.logger.Debug("dropping unmatched child response", "id", idKey)
		return
	}

	target.sess.Touch()
	if err := target.write(frame); err != nil {
		// The session's own pump notices the dead peer and tears down;
		// the response is consumed either way.
		d.logger.Debug("child response delivery failed",
			"session_id", target.sess.ID(),
			"error", err,
		)
	}
}

// claim finds the session that forwarded idKey and resolves the pending
// entry. With multiple candidates the oldest forwarding time wins.
func (d *Dispatcher) claim(idKey string) *attachment {
	d.mu.RLock()
	var (
		winner *attachment
		oldest time.Time
	)
	for _, att := range d.attached {
		at, ok := att.sess.PendingSince(idKey)
		if !ok {
			continue
		}
		if winner == nil || at.Before(oldest) {
			winner = att
			oldest = at
		}
	}
	d.mu.RUnlock()

	if winner == nil {
		return nil
	}
	// The pending entry may have been resolved or expired between the
	// scan and here; losing that race means the response has no owner.
	if !winner.sess.ResolveRequest(idKey) {
		return nil
	}
	return winner
}

// broadcast delivers an id-less notification to every attached session.
func (d *Dispatcher) broadcast(frame []byte) {
	d.mu.RLock()
	targets := make([]*attachment, 0, len(d.attached))
	for _, att := range d.attached {
		targets = append(targets, att)
	}
	d.mu.RUnlock()

	for _, att := range targets {
		att.sess.Touch()
		if err := att.write(frame); err != nil {
			d.logger.Debug("notification delivery failed",
				"session_id", att.sess.ID(),
				"error", err,
			)
		}
	}
}

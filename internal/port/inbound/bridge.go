// Package inbound defines the inbound port interfaces for the relay core.
// Listener adapters (ws, tcp) call these interfaces.
package inbound

import (
	"context"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
)

// Bridge is the inbound port for the relay core. Listener adapters screen
// each new connection with Admit, register a session, and then hand the
// peer to Run for the rest of its life.
type Bridge interface {
	// Admit screens a connection before any transport work happens.
	// It returns relay.ErrBlocked for blocklisted IPs and
	// relay.ErrRateLimited when the IP's request window is already full.
	// A nil return does not consume window budget.
	Admit(ctx context.Context, listener, ip string) error

	// Run owns the session from PRE_AUTH to CLOSED: child attachment, the
	// frame pipeline in both directions, auth, and teardown. It blocks
	// until the peer disconnects, the session is torn down, or ctx is
	// cancelled. The caller retains ownership of the registry slot.
	Run(ctx context.Context, sess *session.Session, peer relay.Peer) error
}

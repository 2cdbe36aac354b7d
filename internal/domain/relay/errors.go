// Package relay contains the core domain logic for the gateway data path:
// admission, per-frame security decisions, and the reply formats the
// gateway answers with on its own behalf.
package relay

import (
	"errors"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
)

// Error types for admission and data-path failures.
var (
	// ErrUnauthenticated means the session has not completed authentication.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrAuthFailed means presented credentials were rejected.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrBlocked means the peer address is on the blocklist.
	ErrBlocked = errors.New("peer is blocked")
	// ErrRateLimited means the peer's window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrChildNotReady means no child process is available for traffic.
	ErrChildNotReady = errors.New("child process not ready")
)

// SafeErrorMessage returns a client-safe error message.
// Internal error details are logged but not exposed to clients.
// SECURITY: This function MUST be used for all client-facing error
// responses to prevent information leakage (stack traces, internal
// paths, credentials).
func SafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, ErrAuthFailed):
		return "Authentication failed"
	case errors.Is(err, ErrBlocked):
		return "Forbidden"
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded"
	case errors.Is(err, ErrChildNotReady):
		return "MCP not ready"
	case errors.Is(err, session.ErrCapacity):
		return "Too many connections"
	default:
		return "Internal error"
	}
}

package ratelimit

import (
	"context"
	"time"
)

// Limiter accounts frames against per-client sliding windows.
//
// Implementations must use a true sliding window over recorded
// timestamps: exactly MaxRequests frames succeed inside any window
// span and the next one is throttled. Smoothing algorithms (GCRA,
// token bucket) do not satisfy that counting contract.
//
// The interface is storage-agnostic, allowing implementations backed
// by Redis, in-memory stores, or other backends.
type Limiter interface {
	// Account records one frame for key and returns the decision.
	// A throttled frame is not recorded as consumption, but its
	// occurrence is counted for escalation via Decision.Repeats.
	Account(ctx context.Context, key string, cfg WindowConfig) (Decision, error)

	// Full reports whether the window for key is already exhausted,
	// without recording anything. Used at admission time.
	Full(ctx context.Context, key string, cfg WindowConfig) (bool, error)
}

// Blocklist tracks temporarily banned peer addresses.
type Blocklist interface {
	// Block bans ip for the given duration, extending any existing ban
	// when the new expiry is later.
	Block(ctx context.Context, ip string, duration time.Duration) error

	// IsBlocked reports whether ip is currently banned. Expired entries
	// are purged on access.
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

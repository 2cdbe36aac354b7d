// Package ratelimit provides rate limiting and IP blocking domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// WindowConfig defines the sliding-window accounting parameters.
type WindowConfig struct {
	// Window is the sliding window length.
	Window time.Duration

	// MaxRequests is the number of frames allowed inside one window.
	MaxRequests int
}

// Decision contains the result of accounting one frame.
type Decision struct {
	// Throttled indicates the frame exceeded the window and must be
	// discarded instead of forwarded.
	Throttled bool

	// Repeats counts throttled frames within the current window,
	// including this one. The second repeat escalates to a block.
	Repeats int

	// Remaining is the number of frames left in the current window.
	Remaining int

	// RetryAfter is the duration until a slot frees up.
	// Only meaningful when Throttled is true.
	RetryAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeIP is for per-peer accounting; admission and frame
	// accounting share one window per IP.
	KeyTypeIP KeyType = "ip"

	// KeyTypeSession is for per-session accounting.
	KeyTypeSession KeyType = "session"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
//   - FormatKey(KeyTypeSession, "10.0.0.1:4242#7") -> "ratelimit:session:10.0.0.1:4242#7"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

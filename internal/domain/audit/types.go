// Package audit contains domain types for security event logging.
package audit

import (
	"strings"
	"time"
)

// Kind categorizes a security event. The vocabulary is fixed: downstream
// log consumers key on these exact strings.
type Kind string

// Connection lifecycle events.
const (
	// KindConnectionEstablished is emitted when a session reaches the gateway.
	KindConnectionEstablished Kind = "connection_established"
	// KindConnectionClosed is emitted when a session ends for any reason.
	KindConnectionClosed Kind = "connection_closed"
	// KindConnectionTimeout is emitted when the idle sweeper expires a session.
	KindConnectionTimeout Kind = "connection_timeout"
	// KindConnectionLimit is emitted when a listener is at capacity.
	KindConnectionLimit Kind = "connection_limit"
	// KindBlockedConnection is emitted when a blocked IP attempts to connect.
	KindBlockedConnection Kind = "blocked_connection"
)

// Authentication events.
const (
	// KindInvalidAuth is emitted when handshake credentials are rejected.
	KindInvalidAuth Kind = "invalid_auth"
	// KindAuthSuccess is emitted when a peer authenticates.
	KindAuthSuccess Kind = "auth_success"
	// KindAuthFailed is emitted when an authenticate request fails.
	KindAuthFailed Kind = "auth_failed"
)

// Traffic and operational events.
const (
	// KindRateLimitExceeded is emitted when a frame or connection is throttled.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	// KindInvalidInput is emitted when payload validation rejects a frame.
	KindInvalidInput Kind = "invalid_input"
	// KindWebsocketError is emitted on transport or child I/O failures.
	KindWebsocketError Kind = "websocket_error"
	// KindServerShutdown is emitted once when the gateway stops.
	KindServerShutdown Kind = "server_shutdown"
)

// Event is a single security event. Each event serializes to one JSON
// line; stores must write events atomically so lines never interleave.
type Event struct {
	// ID uniquely identifies the event. Stamped by the audit pipeline
	// when empty.
	ID string `json:"event_id,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Kind categorizes the event.
	Kind Kind `json:"event"`
	// SessionID identifies the session, when one exists yet.
	SessionID string `json:"session_id,omitempty"`
	// RemoteIP is the peer address without port.
	RemoteIP string `json:"remote_ip,omitempty"`
	// Listener names the inbound surface: "ws" or "tcp".
	Listener string `json:"listener,omitempty"`
	// Detail carries event-specific fields. Values may be redacted.
	Detail map[string]any `json:"detail,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive detail key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactDetail returns a copy of detail with sensitive values masked.
// A key is sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactDetail(detail map[string]any) map[string]any {
	if len(detail) == 0 {
		return detail
	}
	redacted := make(map[string]any, len(detail))
	for k, v := range detail {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")

	// ErrUnauthorized is returned when the gateway rejects the token
	// during the WebSocket handshake.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBlocked is returned when the gateway has blocklisted this
	// client's address.
	ErrBlocked = errors.New("address blocked")

	// ErrRateLimited is returned when the gateway throttles the
	// connection attempt.
	ErrRateLimited = errors.New("rate limited")
)

// RPCError is a JSON-RPC error object returned by the gateway or by
// the MCP server behind it.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Data carries optional error details.
	Data json.RawMessage `json:"data,omitempty"`
}

// Error returns the error message.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HandshakeError is returned when the WebSocket upgrade is rejected
// before a connection is established.
type HandshakeError struct {
	// StatusCode is the HTTP status the gateway answered with.
	StatusCode int
}

// Error returns a human-readable description of the rejection.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.StatusCode)
}

// Is maps the gateway's admission statuses onto the sentinel errors.
// It supports errors.Is(err, ErrUnauthorized) and friends.
func (e *HandshakeError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrBlocked:
		return e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

package client

import "time"

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithToken sets the token presented to the gateway: as a Bearer header
// during the WebSocket handshake, or by Authenticate on TCP.
// If not set, defaults to the BRIDGE_GATE_TOKEN environment variable.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the dial timeout and the default per-call deadline.
// If not set, defaults to the BRIDGE_GATE_TIMEOUT environment variable
// or 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxFrameBytes caps the size of frames read from the gateway.
// If not set, defaults to 1 MiB, the gateway's own default limit.
func WithMaxFrameBytes(n int) Option {
	return func(c *Client) {
		c.maxFrame = n
	}
}

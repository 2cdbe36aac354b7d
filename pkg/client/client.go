// Package client provides a minimal Go client for a Bridge Gate gateway.
//
// The client speaks both gateway transports: WebSocket ("ws://" or
// "wss://") and the newline-delimited TCP protocol ("tcp://"). Frames
// are JSON-RPC 2.0 messages. Call correlates responses by id, while
// ReadFrame and WriteFrame expose the raw frame exchange.
//
// Quick start:
//
//	// Set BRIDGE_GATE_ADDR and BRIDGE_GATE_TOKEN env vars, then:
//	c, err := client.Dial(ctx, "")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	// TCP endpoints with auth enabled expect the in-band handshake;
//	// WebSocket endpoints authenticate during the dial instead.
//	if err := c.Authenticate(ctx); err != nil {
//		return err
//	}
//
//	info, err := c.Initialize(ctx)
//	result, err := c.Call(ctx, "tools/list", nil)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// protocolVersion is the MCP revision the gateway negotiates.
const protocolVersion = "2024-11-05"

const (
	clientName    = "bridgegate-go"
	clientVersion = "1.0.0"
)

// Client is a connection to one gateway listener. Methods serialize on
// an internal lock, so a Client may be shared across goroutines, but
// only one call is in flight at a time.
type Client struct {
	endpoint string
	token    string
	timeout  time.Duration
	maxFrame int

	mu      sync.Mutex
	tr      transport
	backlog [][]byte
	nextID  int64
	closed  bool
}

// ServerInfo is the gateway identity returned by Initialize.
type ServerInfo struct {
	ProtocolVersion string
	Name            string
	Version         string
}

// Dial connects to a gateway endpoint. The scheme selects the
// transport: "ws" or "wss" for WebSocket, "tcp" for the line protocol.
// An empty endpoint falls back to the BRIDGE_GATE_ADDR environment
// variable.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	c := &Client{
		endpoint: endpoint,
		token:    os.Getenv("BRIDGE_GATE_TOKEN"),
		timeout:  parseDurationEnv("BRIDGE_GATE_TIMEOUT", 10*time.Second),
		maxFrame: 1 << 20,
	}
	if c.endpoint == "" {
		c.endpoint = os.Getenv("BRIDGE_GATE_ADDR")
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoint == "" {
		return nil, errors.New("client: no endpoint given and BRIDGE_GATE_ADDR is unset")
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: invalid endpoint: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		c.tr, err = dialWS(ctx, c)
	case "tcp":
		c.tr, err = dialTCP(ctx, c, u.Host)
	default:
		err = fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Authenticate performs the in-band token handshake used by TCP
// listeners with auth enabled. The token comes from WithToken or
// BRIDGE_GATE_TOKEN. On rejection the gateway answers with an RPC
// error and closes the connection.
func (c *Client) Authenticate(ctx context.Context) error {
	result, err := c.Call(ctx, "authenticate", map[string]string{"token": c.token})
	if err != nil {
		return err
	}
	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("client: malformed authenticate result: %w", err)
	}
	if !status.Authenticated {
		return errors.New("client: authentication not acknowledged")
	}
	return nil
}

// Initialize performs the MCP initialize handshake. The gateway answers
// this locally with its own identity, so it succeeds even before the
// child MCP server has produced any output.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var params struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    struct{}           `json:"capabilities"`
		ClientInfo      mcp.Implementation `json:"clientInfo"`
	}
	params.ProtocolVersion = protocolVersion
	params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}

	result, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var info struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ServerInfo      mcp.Implementation `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("client: malformed initialize result: %w", err)
	}
	return &ServerInfo{
		ProtocolVersion: info.ProtocolVersion,
		Name:            info.ServerInfo.Name,
		Version:         info.ServerInfo.Version,
	}, nil
}

// Call sends a request and waits for the response carrying the same id.
// Unrelated frames that arrive first (notifications, pushes from a
// shared child) are queued for ReadFrame rather than dropped. An error
// response is returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	id := c.nextID
	frame, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	if err := c.tr.WriteFrame(frame); err != nil {
		return nil, fmt.Errorf("client: write: %w", err)
	}

	wantKey := strconv.FormatInt(id, 10)
	for {
		resp, err := c.tr.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("client: read: %w", err)
		}
		if key, ok := wire.IDKey(resp); ok && key == wantKey {
			return parseResponse(resp)
		}
		c.backlog = append(c.backlog, resp)
	}
}

// Notify sends a request without an id. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params}
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: marshal notification: %w", err)
	}
	return c.WriteFrame(frame)
}

// WriteFrame sends one raw frame verbatim.
func (c *Client) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.tr.WriteFrame(frame)
}

// ReadFrame returns the next inbound frame: ones queued during Call
// first, then the wire. The context deadline (or the configured
// timeout) bounds the read.
func (c *Client) ReadFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if len(c.backlog) > 0 {
		frame := c.backlog[0]
		c.backlog = c.backlog[1:]
		return frame, nil
	}
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	return c.tr.ReadFrame()
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.tr.Close()
}

// applyDeadline maps the context deadline, or the configured timeout
// when the context has none, onto the transport read deadline.
func (c *Client) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	return c.tr.SetReadDeadline(deadline)
}

func marshalRequest(id int64, method string, params any) ([]byte, error) {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}
	return frame, nil
}

// parseResponse splits a response frame into its result or error half.
func parseResponse(frame []byte) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("client: malformed response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Helper functions for env var parsing.

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

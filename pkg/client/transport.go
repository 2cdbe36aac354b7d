package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// transport is a frame-level connection: one JSON-RPC message per frame.
type transport interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

func dialWS(ctx context.Context, c *Client) (transport, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.timeout}
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, resp, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("client: websocket dial: %w", err)
	}
	conn.SetReadLimit(int64(c.maxFrame))
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func dialTCP(ctx context.Context, c *Client, host string) (transport, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("client: tcp dial: %w", err)
	}
	return &tcpTransport{conn: conn, dec: wire.NewDecoder(conn, c.maxFrame)}, nil
}

type tcpTransport struct {
	conn net.Conn
	dec  *wire.Decoder
}

func (t *tcpTransport) WriteFrame(frame []byte) error {
	return wire.Encode(t.conn, frame)
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	frame, err := t.dec.Decode()
	if err != nil {
		return nil, err
	}
	// The decoder reuses its buffer; callers keep frames across reads.
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

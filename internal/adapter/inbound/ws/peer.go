package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds how long a stalled peer can block the relay.
	writeWait = 10 * time.Second

	// closeWait bounds delivery of the close frame during teardown.
	closeWait = 2 * time.Second
)

// wsPeer adapts a WebSocket connection to the relay.Peer contract.
// gorilla allows one concurrent reader and one writer; the bridge owns
// the read side and writeMu serializes everything on the write side.
type wsPeer struct {
	conn    *websocket.Conn
	remote  string
	writeMu sync.Mutex
	once    sync.Once
}

func newPeer(conn *websocket.Conn, remote string) *wsPeer {
	return &wsPeer{conn: conn, remote: remote}
}

// ReadFrame returns the next data frame. Each message carries exactly
// one JSON-RPC payload; binary frames are handed up unchanged and fail
// UTF-8 validation downstream.
func (p *wsPeer) ReadFrame() ([]byte, error) {
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, mapReadError(err)
	}
	return data, nil
}

func (p *wsPeer) WriteFrame(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with the given status and tears down the
// connection. Only the first call's code and reason reach the peer.
func (p *wsPeer) Close(code relay.CloseCode, reason string) error {
	var err error
	p.once.Do(func() {
		deadline := time.Now().Add(closeWait)
		msg := websocket.FormatCloseMessage(int(code), reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = p.conn.Close()
	})
	return err
}

func (p *wsPeer) RemoteAddr() string {
	return p.remote
}

// mapReadError folds transport-level read failures into the errors the
// relay core understands: wire.ErrFrameTooLarge for read-limit breaches
// and io.EOF for every flavor of orderly or dropped disconnect.
func mapReadError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return wire.ErrFrameTooLarge
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure):
		return io.EOF
	case errors.Is(err, net.ErrClosed):
		return io.EOF
	default:
		return err
	}
}

var _ relay.Peer = (*wsPeer)(nil)

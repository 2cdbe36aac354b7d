package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// writeWait bounds how long a stalled peer can block the relay.
const writeWait = 10 * time.Second

// tcpPeer adapts a raw socket to the relay.Peer contract with
// newline-delimited framing.
type tcpPeer struct {
	conn    net.Conn
	dec     *wire.Decoder
	writeMu sync.Mutex
	once    sync.Once
}

func newPeer(conn net.Conn, maxFrame int) *tcpPeer {
	return &tcpPeer{conn: conn, dec: wire.NewDecoder(conn, maxFrame)}
}

func (p *tcpPeer) ReadFrame() ([]byte, error) {
	frame, err := p.dec.Decode()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame, nil
}

func (p *tcpPeer) WriteFrame(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wire.Encode(p.conn, frame)
}

// Close tears the connection down. The close code is a WebSocket
// concept; TCP peers just see the socket close.
func (p *tcpPeer) Close(code relay.CloseCode, reason string) error {
	var err error
	p.once.Do(func() {
		err = p.conn.Close()
	})
	return err
}

func (p *tcpPeer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

var _ relay.Peer = (*tcpPeer)(nil)

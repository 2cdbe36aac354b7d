package relay

// CloseCode mirrors the WebSocket close codes; the TCP transport
// ignores the code and just closes.
type CloseCode int

const (
	// CloseNormal is an orderly close.
	CloseNormal CloseCode = 1000
	// CloseGoingAway signals idle timeout or gateway shutdown.
	CloseGoingAway CloseCode = 1001
	// ClosePolicyViolation signals rate limit escalation.
	ClosePolicyViolation CloseCode = 1008
	// CloseTooLarge signals an oversized frame.
	CloseTooLarge CloseCode = 1009
)

// Peer is one connected client, independent of transport. The ws and
// tcp adapters implement it over their respective connections.
type Peer interface {
	// ReadFrame blocks for the next inbound frame, with transport
	// delimiters stripped. It returns io.EOF when the peer hangs up
	// and wire.ErrFrameTooLarge when the peer exceeds the frame cap.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame to the peer. Implementations
	// serialize concurrent writers so frames never interleave.
	WriteFrame(frame []byte) error

	// Close tears the connection down. Safe to call multiple times;
	// only the first call's code and reason reach the peer.
	Close(code CloseCode, reason string) error

	// RemoteAddr returns the peer's address including port.
	RemoteAddr() string
}

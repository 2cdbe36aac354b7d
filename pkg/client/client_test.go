package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// request is the decoded shape of frames the fake gateways receive.
type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Token string `json:"token"`
	} `json:"params"`
}

func resultFrame(id json.RawMessage, result string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func errorFrame(id json.RawMessage, code int, message string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, id, code, message))
}

// answer builds the fake gateway's reply to one request, mimicking the
// real gateway's locally answered methods.
func answer(req request) [][]byte {
	switch req.Method {
	case "authenticate":
		if req.Params.Token != "letmein" {
			return [][]byte{errorFrame(req.ID, -32000, "authentication failed")}
		}
		return [][]byte{resultFrame(req.ID, `{"authenticated":true}`)}
	case "initialize":
		return [][]byte{resultFrame(req.ID, `{"protocolVersion":"2024-11-05","serverInfo":{"name":"bridge-gate","version":"9.9.9"}}`)}
	case "tools/list":
		// A shared-child push can land before the response; the client
		// must queue it and still correlate the call.
		return [][]byte{
			[]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`),
			resultFrame(req.ID, `{"tools":[]}`),
		}
	default:
		return [][]byte{errorFrame(req.ID, -32601, "method not found")}
	}
}

// startWSGateway runs a fake WebSocket gateway. With requireToken set it
// rejects handshakes that do not carry the expected Bearer token.
func startWSGateway(t *testing.T, requireToken bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireToken && r.Header.Get("Authorization") != "Bearer letmein" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			for _, frame := range answer(req) {
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startTCPGateway runs a fake line-protocol gateway on a loopback port.
func startTCPGateway(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var req request
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						continue
					}
					for _, frame := range answer(req) {
						if _, err := conn.Write(append(frame, '\n')); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func TestDial_UnsupportedScheme(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), "http://127.0.0.1:1")
	if err == nil {
		t.Fatal("http scheme should be rejected")
	}
}

func TestDial_NoEndpoint(t *testing.T) {
	t.Setenv("BRIDGE_GATE_ADDR", "")
	_, err := Dial(context.Background(), "")
	if err == nil {
		t.Fatal("empty endpoint with no env fallback should fail")
	}
}

func TestWS_DialAndInitialize(t *testing.T) {
	endpoint := startWSGateway(t, false)

	c, err := Dial(context.Background(), endpoint, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	info, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if info.Name != "bridge-gate" || info.Version != "9.9.9" {
		t.Errorf("server info = %+v, want bridge-gate 9.9.9", info)
	}
	if info.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %q", info.ProtocolVersion)
	}
}

func TestWS_HandshakeRejected(t *testing.T) {
	endpoint := startWSGateway(t, true)

	_, err := Dial(context.Background(), endpoint, WithToken("wrong"))
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	var hs *HandshakeError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want *HandshakeError with status 401", err)
	}

	c, err := Dial(context.Background(), endpoint, WithToken("letmein"))
	if err != nil {
		t.Fatalf("dial with correct token: %v", err)
	}
	c.Close()
}

func TestTCP_AuthenticateAndCall(t *testing.T) {
	endpoint := startTCPGateway(t)

	c, err := Dial(context.Background(), endpoint, WithToken("letmein"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	result, err := c.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("result = %s", result)
	}

	// The notification sent ahead of the response must still be
	// readable afterwards.
	frame, err := c.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("read queued frame: %v", err)
	}
	if !strings.Contains(string(frame), "notifications/progress") {
		t.Errorf("queued frame = %s", frame)
	}
}

func TestTCP_AuthenticateRejected(t *testing.T) {
	endpoint := startTCPGateway(t)

	c, err := Dial(context.Background(), endpoint, WithToken("wrong"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	err = c.Authenticate(context.Background())
	if err == nil {
		t.Fatal("authenticate with wrong token should fail")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}
}

func TestCall_RPCError(t *testing.T) {
	endpoint := startTCPGateway(t)

	c, err := Dial(context.Background(), endpoint, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(context.Background(), "no/such/method", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
	if rpcErr.Error() != "rpc error -32601: method not found" {
		t.Errorf("message = %q", rpcErr.Error())
	}
}

func TestClient_Closed(t *testing.T) {
	endpoint := startTCPGateway(t)

	c, err := Dial(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := c.Call(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call after close = %v, want ErrClosed", err)
	}
	if err := c.WriteFrame([]byte("{}")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}
}

func TestHandshakeError_Is(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		target error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrBlocked},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tt := range tests {
		err := &HandshakeError{StatusCode: tt.status}
		if !errors.Is(err, tt.target) {
			t.Errorf("status %d should match %v", tt.status, tt.target)
		}
	}
	if errors.Is(&HandshakeError{StatusCode: http.StatusServiceUnavailable}, ErrUnauthorized) {
		t.Error("503 should not match ErrUnauthorized")
	}
}

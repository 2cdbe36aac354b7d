// Package integration boots the complete gateway stack in-process
// (guard, bridge service, listeners, real child processes, audit
// pipeline) and drives it through the public client package.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Bridge-Gate/Bridgegate/internal/adapter/inbound/tcp"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/inbound/ws"
	auditstore "github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/child"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/memory"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/auth"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
	"github.com/Bridge-Gate/Bridgegate/internal/service"
	"github.com/Bridge-Gate/Bridgegate/pkg/client"
)

const testToken = "integration-secret"

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// syncBuffer collects the stream store's output; the audit worker
// writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// gatewayConfig tunes one booted stack. The zero value runs both
// listeners without auth, dedicated cat children, and a window large
// enough that no scenario throttles by accident.
type gatewayConfig struct {
	wsToken     string // enables WebSocket handshake auth when set
	tcpToken    string // enables TCP in-band auth when set
	maxRequests int    // window budget; 0 means 100
	shared      bool   // shared-persistent TCP child
}

// gateway is one fully booted stack on loopback ports. cat is the
// child command, so every frame a session relays comes straight back.
type gateway struct {
	ws         *ws.Server
	tcp        *tcp.Server
	blocklist  *memory.MemoryBlocklist
	audit      *service.AuditService
	auditLines *syncBuffer
	supervisor *child.SharedSupervisor

	cancel   context.CancelFunc
	wsDone   chan error
	tcpDone  chan error
	stopOnce sync.Once
}

func bootGateway(t *testing.T, cfg gatewayConfig) *gateway {
	t.Helper()
	requireTool(t, "cat")

	logger := testLogger()
	lines := &syncBuffer{}
	auditSvc := service.NewAuditService(auditstore.NewStreamStoreWithWriter(lines), logger,
		service.WithBatchSize(1),
		service.WithFlushInterval(25*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	auditSvc.Start(ctx)

	maxRequests := cfg.maxRequests
	if maxRequests == 0 {
		maxRequests = 100
	}
	blocklist := memory.NewBlocklist()
	guard := relay.NewGuard(relay.GuardConfig{
		Window:          ratelimit.WindowConfig{Window: time.Minute, MaxRequests: maxRequests},
		BlockDuration:   time.Minute,
		MaxMessageBytes: 1 << 20,
	}, memory.NewRateLimiter(), blocklist, auditSvc, logger)

	childCfg := child.Config{Command: "cat", MaxFrameBytes: 64 * 1024}
	dispatcher := service.NewDispatcher(logger)

	var supervisor *child.SharedSupervisor
	var sharedChild outbound.SharedChild
	if cfg.shared {
		supervisor = child.NewSharedSupervisor(child.SharedConfig{
			Child:          childCfg,
			Version:        "test",
			RestartBackoff: 50 * time.Millisecond,
			ReadyTimeout:   2 * time.Second,
			KillGrace:      time.Second,
		}, dispatcher.Dispatch, logger)
		supervisor.Start(ctx)
		sharedChild = supervisor
	}

	tcpProfile := service.ListenerProfile{
		InBandAuth:     cfg.tcpToken != "",
		Shared:         cfg.shared,
		ReplyOnInvalid: true,
	}
	if cfg.tcpToken != "" {
		tcpProfile.Verifier = auth.NewVerifier(cfg.tcpToken)
	}
	bridge := service.NewBridgeService(service.BridgeConfig{
		Profiles: map[string]service.ListenerProfile{
			"ws":  {},
			"tcp": tcpProfile,
		},
		KillGrace:     time.Second,
		ServerName:    "bridge-gate",
		ServerVersion: "test",
	}, guard, child.NewSpawner(childCfg, logger), sharedChild, dispatcher, nil, logger)

	wsOpts := []ws.Option{ws.WithAddr("127.0.0.1:0"), ws.WithLogger(logger)}
	if cfg.wsToken != "" {
		wsOpts = append(wsOpts, ws.WithAuth(auth.NewVerifier(cfg.wsToken)))
	}
	wsServer := ws.NewServer(bridge, guard, wsOpts...)

	tcpOpts := []tcp.Option{tcp.WithAddr("127.0.0.1:0"), tcp.WithLogger(logger)}
	if cfg.shared {
		tcpOpts = append(tcpOpts, tcp.WithSharedChild(supervisor, 2*time.Second))
	}
	tcpServer := tcp.NewServer(bridge, guard, tcpOpts...)

	g := &gateway{
		ws:         wsServer,
		tcp:        tcpServer,
		blocklist:  blocklist,
		audit:      auditSvc,
		auditLines: lines,
		supervisor: supervisor,
		cancel:     cancel,
		wsDone:     make(chan error, 1),
		tcpDone:    make(chan error, 1),
	}
	go func() { g.wsDone <- wsServer.Start(ctx) }()
	go func() { g.tcpDone <- tcpServer.Start(ctx) }()
	t.Cleanup(func() { g.stop(t) })

	waitFor(t, "ws listener bound", func() bool { return wsServer.Addr() != "" })
	waitFor(t, "tcp listener bound", func() bool { return tcpServer.Addr() != "" })
	return g
}

func (g *gateway) wsURL() string  { return "ws://" + g.ws.Addr() + "/" }
func (g *gateway) tcpURL() string { return "tcp://" + g.tcp.Addr() }

func (g *gateway) stop(t *testing.T) {
	t.Helper()
	g.stopOnce.Do(func() {
		g.cancel()
		for _, done := range []chan error{g.wsDone, g.tcpDone} {
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Start = %v, want nil", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("listener did not shut down in time")
			}
		}
		if g.supervisor != nil {
			g.supervisor.Stop()
		}
		g.audit.Stop()
	})
}

// waitAudit blocks until the stream store has written an event of the
// given kind. The pipeline is asynchronous, so assertions poll.
func waitAudit(t *testing.T, g *gateway, kind string) {
	t.Helper()
	waitFor(t, "audit event "+kind, func() bool {
		return strings.Contains(g.auditLines.String(), kind)
	})
}

func TestGateway_WebSocketInitializeAndCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := bootGateway(t, gatewayConfig{wsToken: testToken})
	ctx := context.Background()

	c, err := client.Dial(ctx, g.wsURL(), client.WithToken(testToken))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	info, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if info.Name != "bridge-gate" || info.Version != "test" {
		t.Errorf("serverInfo = %s/%s, want bridge-gate/test", info.Name, info.Version)
	}
	if info.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q, want 2024-11-05", info.ProtocolVersion)
	}

	// cat echoes the request itself; the id matches, so Call treats
	// it as the response.
	if _, err := c.Call(ctx, "tools/list", nil); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	// A response-shaped frame survives the validate-sanitize-relay
	// round trip with its fields intact.
	if err := c.WriteFrame([]byte(`{"jsonrpc":"2.0","id":9,"result":{"tools":[]}}`)); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	frame, err := c.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	var echoed struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(frame, &echoed); err != nil {
		t.Fatalf("echoed frame %q: %v", frame, err)
	}
	if echoed.ID != 9 || echoed.Result == nil {
		t.Errorf("echoed frame = %s, want id 9 with result", frame)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	waitAudit(t, g, "connection_established")
	waitAudit(t, g, "connection_closed")

	g.stop(t)
}

func TestGateway_WebSocketHandshakeRejections(t *testing.T) {
	g := bootGateway(t, gatewayConfig{wsToken: testToken})
	ctx := context.Background()

	_, err := client.Dial(ctx, g.wsURL(), client.WithToken("wrong"))
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("Dial() with bad token = %v, want ErrUnauthorized", err)
	}
	var hs *client.HandshakeError
	if !errors.As(err, &hs) || hs.StatusCode != 401 {
		t.Errorf("Dial() error = %v, want handshake status 401", err)
	}
	waitAudit(t, g, "invalid_auth")

	// A standing block refuses the peer before credentials are read.
	if err := g.blocklist.Block(ctx, "127.0.0.1", time.Minute); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	_, err = client.Dial(ctx, g.wsURL(), client.WithToken(testToken))
	if !errors.Is(err, client.ErrBlocked) {
		t.Fatalf("Dial() from blocked address = %v, want ErrBlocked", err)
	}
	waitAudit(t, g, "blocked_connection")
}

func TestGateway_RateLimitedHandshake(t *testing.T) {
	g := bootGateway(t, gatewayConfig{maxRequests: 1})
	ctx := context.Background()

	first, err := client.Dial(ctx, g.wsURL())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer first.Close()

	// The lone window slot goes to the initialize frame.
	if _, err := first.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	_, err = client.Dial(ctx, g.wsURL())
	if !errors.Is(err, client.ErrRateLimited) {
		t.Fatalf("Dial() with full window = %v, want ErrRateLimited", err)
	}
	waitAudit(t, g, "rate_limit_exceeded")
}

func TestGateway_TCPAuthenticateAndCall(t *testing.T) {
	g := bootGateway(t, gatewayConfig{tcpToken: testToken})
	ctx := context.Background()

	c, err := client.Dial(ctx, g.tcpURL(), client.WithToken(testToken))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer c.Close()

	// Before authenticate, everything except initialize is refused
	// without dropping the connection.
	_, err = c.Call(ctx, "tools/list", nil)
	var rpcErr *client.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "Authentication required" {
		t.Fatalf("pre-auth Call() = %v, want Authentication required", err)
	}

	if err := c.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if _, err := c.Call(ctx, "tools/list", nil); err != nil {
		t.Fatalf("Call() after auth error: %v", err)
	}
	waitAudit(t, g, "auth_success")
}

func TestGateway_TCPRejectsBadToken(t *testing.T) {
	g := bootGateway(t, gatewayConfig{tcpToken: testToken})
	ctx := context.Background()

	c, err := client.Dial(ctx, g.tcpURL(), client.WithToken("wrong"))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer c.Close()

	err = c.Authenticate(ctx)
	var rpcErr *client.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Authenticate() with bad token = %v, want RPCError", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "Authentication failed" {
		t.Errorf("RPCError = %d %q, want -32000 Authentication failed", rpcErr.Code, rpcErr.Message)
	}
	waitAudit(t, g, "auth_failed")
}

func TestGateway_SharedChildServesSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := bootGateway(t, gatewayConfig{tcpToken: testToken, shared: true})
	ctx := context.Background()

	// Two sessions in turn ride the same supervised child. cat echoes
	// the forwarded request, so a completed Call proves the pending-id
	// table routed the child's output back to the calling session.
	for i := 0; i < 2; i++ {
		c, err := client.Dial(ctx, g.tcpURL(), client.WithToken(testToken))
		if err != nil {
			t.Fatalf("Dial() #%d error: %v", i+1, err)
		}
		if err := c.Authenticate(ctx); err != nil {
			t.Fatalf("Authenticate() #%d error: %v", i+1, err)
		}
		if _, err := c.Call(ctx, "tools/list", nil); err != nil {
			t.Fatalf("Call() #%d error: %v", i+1, err)
		}
		if err := c.Close(); err != nil {
			t.Errorf("Close() #%d error: %v", i+1, err)
		}
	}

	if restarts := g.supervisor.Restarts(); restarts != 0 {
		t.Errorf("Restarts() = %d, want 0", restarts)
	}

	g.stop(t)
}

// Package ws provides the WebSocket listener adapter. It screens each
// handshake through the relay core's admission checks, upgrades the
// connection, and hands the socket to the bridge as a relay.Peer bound
// to a dedicated child process.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/memory"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/auth"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
	"github.com/Bridge-Gate/Bridgegate/internal/port/inbound"
	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
	"github.com/gorilla/websocket"
)

const listenerName = "ws"

// shutdownWait bounds graceful shutdown of the listener and its sessions.
const shutdownWait = 10 * time.Second

// Server is the inbound WebSocket listener. Admission happens during
// the HTTP handshake: blocked IPs get 403, bad or missing bearer tokens
// get 401, a full listener gets 503. Accepted sockets become sessions
// with a dedicated child process.
type Server struct {
	bridge   inbound.Bridge
	guard    *relay.Guard
	meter    outbound.Meter
	registry *memory.MemoryRegistry
	verifier *auth.Verifier

	addr        string
	maxConns    int
	idleTimeout time.Duration
	sweepEvery  time.Duration
	maxFrame    int

	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger

	// peers maps session id to the live socket so the idle sweeper can
	// close expired sessions.
	peers  sync.Map
	active sync.WaitGroup

	mu        sync.Mutex
	boundAddr string
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "0.0.0.0:3002".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithAuth enables bearer-token authentication during the handshake.
// A nil verifier leaves the listener open.
func WithAuth(verifier *auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = verifier
	}
}

// WithMaxConnections caps concurrent sessions. Default is 100.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithIdleTimeout sets the idle expiry measured from the last inbound
// frame in either direction. Zero disables expiry. Default is 300s.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithSweepInterval overrides how often the idle sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sweepEvery = d
	}
}

// WithMaxFrameBytes caps a single message in either direction.
// Default is 1 MiB.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) {
		s.maxFrame = n
	}
}

// WithLogger sets the logger for the listener.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMeter sets the metrics sink for the listener.
func WithMeter(m outbound.Meter) Option {
	return func(s *Server) {
		s.meter = m
	}
}

// NewServer creates the WebSocket listener over the given bridge.
func NewServer(bridge inbound.Bridge, guard *relay.Guard, opts ...Option) *Server {
	s := &Server{
		bridge:      bridge,
		guard:       guard,
		meter:       outbound.NopMeter{},
		addr:        "0.0.0.0:3002",
		maxConns:    100,
		idleTimeout: 300 * time.Second,
		maxFrame:    1 << 20,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sweepEvery > 0 {
		s.registry = memory.NewRegistryWithConfig(s.maxConns, s.idleTimeout, s.expireSession, s.sweepEvery)
	} else {
		s.registry = memory.NewRegistry(s.maxConns, s.idleTimeout, s.expireSession)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Admission is gated by bearer token and IP screening; the
		// Origin header is not part of the trust model.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return s
}

// Registry exposes the listener's session registry for health reporting.
func (s *Server) Registry() session.Registry {
	return s.registry
}

// Addr returns the bound listen address once Start has opened the
// listener. Useful when the configured address has port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Start begins accepting WebSocket connections. It blocks until the
// context is cancelled or the listener fails. Session contexts derive
// from ctx, so cancelling it closes every live session with 1001.
func (s *Server) Start(ctx context.Context) error {
	handler := RequestIDMiddleware(s.logger)(http.HandlerFunc(s.handleBridge))

	mux := http.NewServeMux()
	mux.Handle("/", handler)

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.registry.StartSweeper(ctx)
	defer s.registry.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket listener started", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down websocket listener")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown stops the accept loop and waits for live sessions to drain.
// The sessions are already closing: their contexts derive from the
// lifecycle context that just got cancelled.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("websocket sessions still draining at shutdown deadline")
	}

	if err != nil {
		s.logger.Error("error during websocket listener shutdown", "error", err)
		return err
	}
	s.logger.Info("websocket listener shutdown complete")
	return nil
}

// handleBridge is the upgrade handler: admission, token check, capacity
// check, upgrade, then relay until the session ends.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	addr := clientAddr(r)
	ip := hostOnly(addr)

	if err := s.bridge.Admit(r.Context(), listenerName, ip); err != nil {
		logger.Warn("websocket admission rejected", "remote_ip", ip, "error", err)
		switch {
		case errors.Is(err, relay.ErrBlocked):
			http.Error(w, "Forbidden", http.StatusForbidden)
		case errors.Is(err, relay.ErrRateLimited):
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		default:
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	if s.verifier != nil {
		token := bearerToken(r)
		if err := s.verifier.Verify(token); err != nil {
			reason := "invalid token"
			if token == "" {
				reason = "missing token"
			}
			s.meter.AuthFailure(listenerName)
			s.guard.Emit(audit.Event{
				Kind:     audit.KindInvalidAuth,
				RemoteIP: ip,
				Listener: listenerName,
				Detail:   map[string]any{"reason": reason},
			})
			logger.Warn("websocket handshake auth failed", "remote_ip", ip, "reason", reason)
			w.Header().Set("WWW-Authenticate", `Bearer realm="bridge-gate"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.guard.Emit(audit.Event{
			Kind:     audit.KindAuthSuccess,
			RemoteIP: ip,
			Listener: listenerName,
			Detail:   map[string]any{"method": "bearer"},
		})
	}

	sess := session.New(listenerName, addr)
	if err := s.registry.Add(sess); err != nil {
		s.guard.Emit(audit.Event{
			Kind:     audit.KindConnectionLimit,
			RemoteIP: ip,
			Listener: listenerName,
			Detail:   map[string]any{"limit": s.registry.Capacity()},
		})
		logger.Warn("websocket listener at capacity", "limit", s.registry.Capacity())
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.registry.Remove(sess.ID())

	var respHeader http.Header
	if rid, ok := r.Context().Value(RequestIDKey).(string); ok && rid != "" {
		respHeader = http.Header{"X-Request-ID": []string{rid}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written its own error response.
		s.guard.Emit(audit.Event{
			Kind:      audit.KindWebsocketError,
			SessionID: sess.ID(),
			RemoteIP:  ip,
			Listener:  listenerName,
			Detail:    map[string]any{"stage": "upgrade", "error": err.Error()},
		})
		logger.Warn("websocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}
	conn.SetReadLimit(int64(s.maxFrame))

	s.active.Add(1)
	defer s.active.Done()

	peer := newPeer(conn, addr)
	s.peers.Store(sess.ID(), peer)
	defer s.peers.Delete(sess.ID())
	defer func() { _ = peer.Close(relay.CloseNormal, "") }()

	if err := s.bridge.Run(r.Context(), sess, peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("websocket session ended", "session_id", sess.ID(), "error", err)
	}
}

// expireSession is the registry sweeper callback. The sweeper has
// already dropped the session; closing the socket unseats the pumps and
// lets the handler finish its teardown.
func (s *Server) expireSession(sess *session.Session) {
	v, ok := s.peers.Load(sess.ID())
	if !ok {
		return
	}
	s.guard.Emit(audit.Event{
		Kind:      audit.KindConnectionTimeout,
		SessionID: sess.ID(),
		RemoteIP:  sess.RemoteIP(),
		Listener:  listenerName,
		Detail:    map[string]any{"idle_timeout": s.idleTimeout.String()},
	})
	s.logger.Info("closing idle websocket session",
		"session_id", sess.ID(),
		"idle_timeout", s.idleTimeout)
	_ = v.(*wsPeer).Close(relay.CloseGoingAway, "connection timeout")
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

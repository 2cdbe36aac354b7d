// Package tcp provides the line-delimited TCP listener adapter. Each
// accepted socket is screened through the relay core's admission checks
// and then handed to the bridge as a relay.Peer, with newline-delimited
// JSON-RPC framing in both directions.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/memory"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
	"github.com/Bridge-Gate/Bridgegate/internal/port/inbound"
	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
)

const listenerName = "tcp"

// shutdownWait bounds how long shutdown waits for live sessions.
const shutdownWait = 10 * time.Second

// Server is the inbound TCP listener. Rejected connections get a single
// JSON line {"error":"<reason>"} before the close; token authentication
// is deferred to the first in-band authenticate frame, which the bridge
// handles. In shared-persistent mode new sessions wait for the
// supervised child before any frame is accepted.
type Server struct {
	bridge   inbound.Bridge
	guard    *relay.Guard
	registry *memory.MemoryRegistry
	shared   outbound.SharedChild

	addr         string
	maxConns     int
	idleTimeout  time.Duration
	sweepEvery   time.Duration
	maxFrame     int
	readyTimeout time.Duration

	logger *slog.Logger

	// peers maps session id to the live socket so the idle sweeper can
	// close expired sessions.
	peers  sync.Map
	active sync.WaitGroup

	mu        sync.Mutex
	boundAddr string
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "0.0.0.0:9500".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithMaxConnections caps concurrent sessions. Default is 50.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithIdleTimeout sets the idle expiry measured from the last frame in
// either direction. Zero disables expiry. Default is 300s.
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

// WithMaxFrameBytes caps a single line in either direction, newline
// included. Default is 1 MiB.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) {
		s.maxFrame = n
	}
}

// WithSharedChild switches the listener to shared-persistent mode: new
// sessions wait up to readyTimeout for the supervised child instead of
// spawning their own.
func WithSharedChild(sc outbound.SharedChild, readyTimeout time.Duration) Option {
	return func(s *Server) {
		s.shared = sc
		s.readyTimeout = readyTimeout
	}
}

// WithLogger sets the logger for the listener.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the TCP listener over the given bridge.
func NewServer(bridge inbound.Bridge, guard *relay.Guard, opts ...Option) *Server {
	s := &Server{
		bridge:       bridge,
		guard:        guard,
		addr:         "0.0.0.0:9500",
		maxConns:     50,
		idleTimeout:  300 * time.Second,
		maxFrame:     1 << 20,
		readyTimeout: 10 * time.Second,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sweepEvery > 0 {
		s.registry = memory.NewRegistryWithConfig(s.maxConns, s.idleTimeout, s.expireSession, s.sweepEvery)
	} else {
		s.registry = memory.NewRegistry(s.maxConns, s.idleTimeout, s.expireSession)
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

// Start accepts connections until the context is cancelled or the
// listener fails. Session contexts derive from ctx, so cancelling it
// closes every live session.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	// Closing the listener is the only way to unseat a parked Accept.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.registry.StartSweeper(ctx)
	defer s.registry.Stop()

	s.logger.Info("tcp listener started",
		"addr", ln.Addr().String(),
		"shared_child", s.shared != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("context cancelled, shutting down tcp listener")
				return s.drain()
			}
			_ = ln.Close()
			return fmt.Errorf("accept: %w", err)
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// drain waits for live sessions to finish. They are already closing:
// their contexts derive from the lifecycle context that just ended.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		s.logger.Warn("tcp sessions still draining at shutdown deadline")
	}
	s.logger.Info("tcp listener shutdown complete")
	return nil
}

// handleConn runs one connection from admission to teardown.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := newPeer(conn, s.maxFrame)
	defer func() { _ = peer.Close(relay.CloseNormal, "") }()

	addr := conn.RemoteAddr().String()
	ip := hostOnly(addr)
	logger := s.logger.With("remote", addr)

	if err := s.bridge.Admit(ctx, listenerName, ip); err != nil {
		logger.Warn("tcp admission rejected", "remote_ip", ip, "error", err)
		_ = peer.WriteFrame(relay.RejectLine(relay.SafeErrorMessage(err)))
		return
	}

	sess := session.New(listenerName, addr)
	if err := s.registry.Add(sess); err != nil {
		s.guard.Emit(audit.Event{
			Kind:     audit.KindConnectionLimit,
			RemoteIP: ip,
			Listener: listenerName,
			Detail:   map[string]any{"limit": s.registry.Capacity()},
		})
		logger.Warn("tcp listener at capacity", "limit", s.registry.Capacity())
		_ = peer.WriteFrame(relay.RejectLine(relay.SafeErrorMessage(err)))
		return
	}
	defer s.registry.Remove(sess.ID())

	if s.shared != nil {
		if err := s.shared.WaitReady(ctx, s.readyTimeout); err != nil {
			logger.Warn("shared child not ready, rejecting session",
				"session_id", sess.ID(), "error", err)
			_ = peer.WriteFrame(relay.RejectLine(relay.SafeErrorMessage(relay.ErrChildNotReady)))
			return
		}
	}

	s.peers.Store(sess.ID(), peer)
	defer s.peers.Delete(sess.ID())

	if err := s.bridge.Run(ctx, sess, peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("tcp session ended", "session_id", sess.ID(), "error", err)
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
	s.logger.Info("closing idle tcp session",
		"session_id", sess.ID(),
		"idle_timeout", s.idleTimeout)
	_ = v.(*tcpPeer).Close(relay.CloseGoingAway, "connection timeout")
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

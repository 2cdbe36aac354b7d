package child

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// SharedConfig tunes the singleton child of shared-persistent mode.
type SharedConfig struct {
	Child Config
	// Version is reported as clientInfo in the init handshake.
	Version string
	// RestartBackoff is the wait between child exit and respawn.
	RestartBackoff time.Duration
	// ReadyTimeout bounds the init handshake per spawn; a child that
	// never answers is replaced.
	ReadyTimeout time.Duration
	// KillGrace is the SIGTERM to SIGKILL window.
	KillGrace time.Duration
}

// SharedSupervisor owns the one child of shared-persistent mode. It
// respawns the child after exit with a fixed backoff, re-runs the MCP
// init handshake before marking itself ready, and fans child stdout to
// the dispatcher through onFrame. Sessions attached across a restart
// stay open; their output resumes once the handshake completes.
type SharedSupervisor struct {
	cfg     SharedConfig
	onFrame func([]byte)
	logger  *slog.Logger

	mu      sync.Mutex
	proc    *Process
	ready   bool
	readyCh chan struct{}

	restarts atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSharedSupervisor creates a supervisor. onFrame receives every
// post-handshake stdout frame and must not block for long; it runs on
// the single child-reader goroutine.
func NewSharedSupervisor(cfg SharedConfig, onFrame func([]byte), logger *slog.Logger) *SharedSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 2 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &SharedSupervisor{
		cfg:      cfg,
		onFrame:  onFrame,
		logger:   logger,
		readyCh:  make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start launches the supervise loop.
func (s *SharedSupervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *SharedSupervisor) run(ctx context.Context) {
	defer s.wg.Done()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		if !first {
			s.restarts.Add(1)
		}
		first = false

		s.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(s.cfg.RestartBackoff):
		}
	}
}

// cycle runs one child lifetime: spawn, handshake, pump stdout until
// the child dies or the supervisor stops.
func (s *SharedSupervisor) cycle(ctx context.Context) {
	proc, err := Spawn(ctx, s.cfg.Child, s.logger)
	if err != nil {
		s.logger.Error("mcp server spawn failed",
			"command", s.cfg.Child.Command,
			"error", err)
		return
	}
	s.logger.Info("mcp server started",
		"pid", proc.Pid(),
		"command", s.cfg.Child.Command)

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	defer s.setReady(false)

	// Kill the child when the supervisor stops; reap it when the cycle
	// ends on its own.
	cycleDone := make(chan struct{})
	defer close(cycleDone)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.stopChan:
		case <-cycleDone:
		}
		_ = proc.Kill(s.cfg.KillGrace)
	}()

	handshakeID := uuid.NewString()
	if err := proc.WriteFrame(s.initializeFrame(handshakeID)); err != nil {
		s.logger.Error("mcp init write failed", "pid", proc.Pid(), "error", err)
		return
	}

	readyTimer := time.AfterFunc(s.cfg.ReadyTimeout, func() {
		if !s.Ready() {
			s.logger.Warn("mcp init handshake timed out", "pid", proc.Pid())
			_ = proc.Kill(s.cfg.KillGrace)
		}
	})
	defer readyTimer.Stop()

	wantID, _ := json.Marshal(handshakeID)

	for {
		frame, err := proc.ReadFrame()
		if err != nil {
			s.logger.Warn("mcp server stdout closed", "pid", proc.Pid(), "error", err)
			return
		}
		if !s.Ready() {
			if id, ok := wire.IDKey(frame); ok && id == string(wantID) {
				_ = proc.WriteFrame(initializedFrame())
				s.setReady(true)
				s.logger.Info("mcp server ready", "pid", proc.Pid())
			}
			// Pre-handshake frames have no session to correlate to.
			continue
		}
		if s.onFrame != nil {
			s.onFrame(frame)
		}
	}
}

func (s *SharedSupervisor) setReady(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok == s.ready {
		return
	}
	s.ready = ok
	if ok {
		close(s.readyCh)
	} else {
		s.readyCh = make(chan struct{})
	}
}

// Ready reports whether the child has completed the init handshake.
func (s *SharedSupervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WaitReady blocks until the child is ready, ctx is cancelled, or grace
// elapses. New TCP sessions gate on this.
func (s *SharedSupervisor) WaitReady(ctx context.Context, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	for {
		s.mu.Lock()
		if s.ready {
			s.mu.Unlock()
			return nil
		}
		ch := s.readyCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return relay.ErrChildNotReady
		case <-s.stopChan:
			return relay.ErrChildNotReady
		}
	}
}

// Write forwards one frame to the child's stdin. Returns
// relay.ErrChildNotReady when no ready child is running; the caller
// replies with the safe message and keeps the session open.
func (s *SharedSupervisor) Write(frame []byte) error {
	s.mu.Lock()
	proc, ready := s.proc, s.ready
	s.mu.Unlock()

	if !ready || proc == nil {
		return relay.ErrChildNotReady
	}
	return proc.WriteFrame(frame)
}

// Restarts returns how many times the child has been respawned.
func (s *SharedSupervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// Stop terminates the supervise loop and the child, waiting for both
// to finish. Safe to call multiple times.
func (s *SharedSupervisor) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// initializeFrame builds the MCP init request sent after each spawn.
// The uuid id cannot collide with session-originated ids.
func (s *SharedSupervisor) initializeFrame(id string) []byte {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  struct {
			ProtocolVersion string             `json:"protocolVersion"`
			Capabilities    struct{}           `json:"capabilities"`
			ClientInfo      mcp.Implementation `json:"clientInfo"`
		} `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "initialize",
	}
	req.Params.ProtocolVersion = relay.ProtocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: "bridge-gate", Version: s.cfg.Version}

	b, _ := json.Marshal(req)
	return b
}

func initializedFrame() []byte {
	return []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

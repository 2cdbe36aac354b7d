package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Bridge-Gate/Bridgegate/internal/adapter/inbound/health"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/inbound/tcp"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/inbound/ws"
	auditstore "github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/child"
	"github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/memory"
	"github.com/Bridge-Gate/Bridgegate/internal/config"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/auth"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
	"github.com/Bridge-Gate/Bridgegate/internal/service"
	"github.com/Bridge-Gate/Bridgegate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start [-- command [args...]]",
	Short: "Start the gateway",
	Long: `Start the Bridge Gate gateway.

The gateway spawns the configured MCP server as a child process and
relays newline-delimited JSON-RPC between network clients and the
child's stdio.

Listeners:
  WebSocket: every connection gets its own dedicated child process.
  TCP:       dedicated child per connection, or one shared persistent
             child that all connections multiplex onto
             (listeners.tcp.mode: shared-persistent).

Examples:
  # Start with config file settings
  bridge-gate start

  # Start with a specific MCP server command
  bridge-gate start -- npx @modelcontextprotocol/server-filesystem /tmp

  # Override listen addresses
  bridge-gate start --ws-listen 0.0.0.0:4002 --tcp-listen 127.0.0.1:9600`,
	RunE: runStart,
}

var (
	wsListenFlag     string
	tcpListenFlag    string
	healthListenFlag string
	logLevelFlag     string
	pidFileFlag      string
)

func init() {
	startCmd.Flags().StringVar(&wsListenFlag, "ws-listen", "", "WebSocket listen address (overrides listeners.ws.listen)")
	startCmd.Flags().StringVar(&tcpListenFlag, "tcp-listen", "", "TCP listen address (overrides listeners.tcp.listen)")
	startCmd.Flags().StringVar(&healthListenFlag, "health-listen", "", "health endpoint listen address (overrides health.listen)")
	startCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides server.log_level)")
	startCmd.Flags().StringVar(&pidFileFlag, "pid-file", "", "PID file path (default: ~/.bridge-gate/server.pid)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The child command after "--" overrides the config file.
	if len(args) > 0 {
		cfg.Child.Command = args
	}

	if wsListenFlag != "" {
		cfg.Listeners.WS.Listen = wsListenFlag
	}
	if tcpListenFlag != "" {
		cfg.Listeners.TCP.Listen = tcpListenFlag
	}
	if healthListenFlag != "" {
		cfg.Health.Listen = healthListenFlag
	}
	if logLevelFlag != "" {
		cfg.Server.LogLevel = logLevelFlag
	}
	if pidFileFlag != "" {
		cfg.PIDFile = pidFileFlag
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Logs go to stderr; stdout is reserved for telemetry dumps.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "bridge-gate stop" can find us.
	pidPath := pidFilePath(cfg.PIDFile)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("bridge-gate stopped")
	return nil
}

// run wires all components together and blocks until the context is
// cancelled or a listener fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Telemetry first so later components pick up the global providers.
	if cfg.Telemetry.Traces {
		shutdown, err := telemetry.SetupTracing(ctx, Version, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace exporter shutdown", "error", err)
			}
		}()
	}
	if cfg.Telemetry.MetricsDump > 0 {
		shutdown, err := telemetry.SetupMetrics(ctx, Version, cfg.Telemetry.MetricsDump, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("metric exporter shutdown", "error", err)
			}
		}()
	}

	// Audit pipeline: store, optional CEL filter, async batch writer.
	store, err := buildAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("audit store close", "error", err)
		}
	}()

	auditOpts := []service.AuditOption{
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushInterval),
	}
	if cfg.Audit.Filter != "" {
		filter, err := auditstore.NewFilter(cfg.Audit.Filter, logger)
		if err != nil {
			return fmt.Errorf("invalid audit filter: %w", err)
		}
		auditOpts = append(auditOpts, service.WithEventFilter(filter))
	}
	auditSvc := service.NewAuditService(store, logger, auditOpts...)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()
	logger.Info("audit pipeline started",
		"output", cfg.Audit.Output,
		"filter", cfg.Audit.Filter != "",
	)

	// Rate limiting and blocklist with background expiry.
	limiter := memory.NewRateLimiter()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()
	blocklist := memory.NewBlocklist()
	blocklist.StartCleanup(ctx)
	defer blocklist.Stop()

	guard := relay.NewGuard(relay.GuardConfig{
		Window: ratelimit.WindowConfig{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
		},
		BlockDuration:   cfg.RateLimit.BlockDuration,
		MaxMessageBytes: cfg.Limits.MaxMessageBytes,
	}, limiter, blocklist, auditSvc, logger)

	// Child process plumbing. The spawner covers dedicated sessions; the
	// supervisor owns the one shared child in shared-persistent TCP mode.
	childCfg := child.Config{
		Dir:           cfg.Child.Cwd,
		Env:           cfg.Child.Env,
		MaxFrameBytes: cfg.Limits.MaxMessageBytes,
	}
	if len(cfg.Child.Command) > 0 {
		childCfg.Command = cfg.Child.Command[0]
		childCfg.Args = cfg.Child.Command[1:]
	}
	spawner := child.NewSpawner(childCfg, logger)
	dispatcher := service.NewDispatcher(logger)

	sharedMode := cfg.Listeners.TCP.Enabled && cfg.Listeners.TCP.Mode == config.TCPModeShared
	var supervisor *child.SharedSupervisor
	var sharedChild outbound.SharedChild
	if sharedMode {
		supervisor = child.NewSharedSupervisor(child.SharedConfig{
			Child:          childCfg,
			Version:        Version,
			RestartBackoff: cfg.Child.RestartBackoff,
			ReadyTimeout:   cfg.Child.ReadyTimeout,
			KillGrace:      cfg.Child.KillGrace,
		}, dispatcher.Dispatch, logger)
		supervisor.Start(ctx)
		defer supervisor.Stop()
		sharedChild = supervisor
	}

	// Metrics: the Prometheus registry always backs /metrics; the OTel
	// frame meter joins in when the periodic dump is enabled.
	reg := prometheus.NewRegistry()
	metrics := health.NewMetrics(reg)
	var meter outbound.Meter = metrics
	if cfg.Telemetry.MetricsDump > 0 {
		frameMeter, err := telemetry.NewFrameMeter()
		if err != nil {
			return fmt.Errorf("failed to build frame meter: %w", err)
		}
		meter = outbound.MultiMeter(metrics, frameMeter)
	}

	profiles := make(map[string]service.ListenerProfile)
	if cfg.Listeners.WS.Enabled {
		profiles["ws"] = service.ListenerProfile{}
	}
	if cfg.Listeners.TCP.Enabled {
		var verifier *auth.Verifier
		if cfg.Listeners.TCP.Auth.Enabled {
			verifier = auth.NewVerifier(cfg.Listeners.TCP.Auth.Token)
		}
		profiles["tcp"] = service.ListenerProfile{
			InBandAuth:     cfg.Listeners.TCP.Auth.Enabled,
			Verifier:       verifier,
			Shared:         sharedMode,
			ReplyOnInvalid: true,
		}
	}

	bridge := service.NewBridgeService(service.BridgeConfig{
		Profiles:      profiles,
		Escalate:      cfg.RateLimit.Escalate,
		KillGrace:     cfg.Child.KillGrace,
		ServerName:    "bridge-gate",
		ServerVersion: Version,
	}, guard, spawner, sharedChild, dispatcher, meter, logger)

	authEnabled := cfg.Listeners.WS.Auth.Enabled || cfg.Listeners.TCP.Auth.Enabled
	checker := health.NewChecker(Version, authEnabled, auditSvc)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Listeners.WS.Enabled {
		opts := []ws.Option{
			ws.WithAddr(cfg.Listeners.WS.Listen),
			ws.WithMaxConnections(cfg.Listeners.WS.MaxConnections),
			ws.WithIdleTimeout(cfg.Listeners.WS.ConnectionTimeout),
			ws.WithMaxFrameBytes(cfg.Limits.MaxMessageBytes),
			ws.WithLogger(logger),
			ws.WithMeter(meter),
		}
		if cfg.Listeners.WS.Auth.Enabled {
			opts = append(opts, ws.WithAuth(auth.NewVerifier(cfg.Listeners.WS.Auth.Token)))
		}
		wsServer := ws.NewServer(bridge, guard, opts...)
		checker.AddListener("ws", wsServer.Registry())
		metrics.RegisterSessionGauge("ws", wsServer.Registry().Count)
		g.Go(func() error { return wsServer.Start(gctx) })
		logger.Info("websocket listener enabled",
			"addr", cfg.Listeners.WS.Listen,
			"auth", cfg.Listeners.WS.Auth.Enabled,
			"max_connections", cfg.Listeners.WS.MaxConnections,
		)
	}

	if cfg.Listeners.TCP.Enabled {
		opts := []tcp.Option{
			tcp.WithAddr(cfg.Listeners.TCP.Listen),
			tcp.WithMaxConnections(cfg.Listeners.TCP.MaxConnections),
			tcp.WithIdleTimeout(cfg.Listeners.TCP.ConnectionTimeout),
			tcp.WithMaxFrameBytes(cfg.Limits.MaxMessageBytes),
			tcp.WithLogger(logger),
		}
		if sharedMode {
			opts = append(opts, tcp.WithSharedChild(sharedChild, cfg.Child.ReadyTimeout))
		}
		tcpServer := tcp.NewServer(bridge, guard, opts...)
		checker.AddListener("tcp", tcpServer.Registry())
		metrics.RegisterSessionGauge("tcp", tcpServer.Registry().Count)
		g.Go(func() error { return tcpServer.Start(gctx) })
		logger.Info("tcp listener enabled",
			"addr", cfg.Listeners.TCP.Listen,
			"auth", cfg.Listeners.TCP.Auth.Enabled,
			"mode", cfg.Listeners.TCP.Mode,
			"max_connections", cfg.Listeners.TCP.MaxConnections,
		)
	}

	metrics.RegisterAuditDrops(auditSvc.DroppedEvents)
	if supervisor != nil {
		metrics.RegisterChildRestarts(supervisor.Restarts)
	}

	healthServer := health.NewServer(checker,
		health.WithAddr(cfg.Health.Listen),
		health.WithCORSOrigins(cfg.Health.CORSAllowedOrigins),
		health.WithRegistry(reg),
		health.WithLogger(logger),
	)
	g.Go(func() error { return healthServer.Start(gctx) })

	logger.Info("bridge-gate started",
		"version", Version,
		"health", cfg.Health.Listen,
		"child", childCfg.Command,
	)
	printBanner(cfg)

	err = g.Wait()

	// Recorded before the deferred Stop so the final flush carries it.
	auditSvc.Record(audit.Event{Kind: audit.KindServerShutdown})
	return err
}

// printBanner prints a formatted startup banner to stderr with the
// listener addresses, auth state, and child command.
func printBanner(cfg *config.Config) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	authState := func(enabled bool) string {
		if enabled {
			return green + "token required" + reset
		}
		return yellow + "open" + reset
	}

	wsLine := dim + "disabled" + reset
	if cfg.Listeners.WS.Enabled {
		wsLine = fmt.Sprintf("ws://%s  %s", cfg.Listeners.WS.Listen, authState(cfg.Listeners.WS.Auth.Enabled))
	}
	tcpLine := dim + "disabled" + reset
	if cfg.Listeners.TCP.Enabled {
		tcpLine = fmt.Sprintf("tcp://%s  %s, %s", cfg.Listeners.TCP.Listen, cfg.Listeners.TCP.Mode, authState(cfg.Listeners.TCP.Auth.Enabled))
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sBridge Gate %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "WebSocket:", wsLine)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "TCP:", tcpLine)
	fmt.Fprintf(os.Stderr, "  %-14s http://%s/health\n", "Health:", cfg.Health.Listen)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Child:", strings.Join(cfg.Child.Command, " "))
	fmt.Fprintf(os.Stderr, "  %-14s %d\n", "PID:", os.Getpid())
	fmt.Fprintf(os.Stderr, "\n")
}

// buildAuditStore opens the audit sink selected by audit.output: "stderr",
// "file://<dir>", or "sqlite://<path>".
func buildAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	out := cfg.Audit.Output
	switch {
	case out == "" || out == "stderr":
		return auditstore.NewStreamStore(), nil
	case strings.HasPrefix(out, "file://"):
		return auditstore.NewFileStore(auditstore.FileConfig{
			Dir:           strings.TrimPrefix(out, "file://"),
			RetentionDays: cfg.Audit.File.RetentionDays,
			MaxFileSizeMB: cfg.Audit.File.MaxFileSizeMB,
			CacheSize:     cfg.Audit.File.CacheSize,
		}, logger)
	case strings.HasPrefix(out, "sqlite://"):
		return auditstore.NewSQLiteStore(strings.TrimPrefix(out, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported audit output %q", out)
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the PID file location: the configured path when
// set, otherwise ~/.bridge-gate/server.pid.
func pidFilePath(configured string) string {
	if configured != "" {
		return configured
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".bridge-gate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "bridge-gate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

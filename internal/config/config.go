// Package config provides configuration types for Bridge Gate.
//
// Configuration is file-based (bridge-gate.yaml) with environment variable
// overrides. Two env forms are accepted: nested BRIDGE_GATE_* keys
// (e.g. BRIDGE_GATE_LISTENERS_WS_LISTEN) and the flat legacy names kept
// for compatibility with existing deployments (WS_AUTH_TOKEN,
// MCP_BRIDGE_PORT, RATE_LIMIT_WINDOW_MS, ...). See loader.go for the
// binding rules.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// TCP session modes. Dedicated spawns one child process per connection;
// shared multiplexes every TCP session onto a single long-lived child.
const (
	TCPModeDedicated = "dedicated-per-connection"
	TCPModeShared    = "shared-persistent"
)

// Config is the top-level configuration for the Bridge Gate server.
type Config struct {
	// Server configures process-wide behavior (logging, shutdown).
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Listeners configures the WebSocket and TCP front doors.
	Listeners ListenersConfig `yaml:"listeners" mapstructure:"listeners"`

	// Health configures the loopback-only health/metrics endpoint.
	Health HealthConfig `yaml:"health" mapstructure:"health"`

	// RateLimit configures the per-IP sliding window and block escalation.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Limits configures message-size caps shared by all listeners.
	Limits LimitsConfig `yaml:"limits" mapstructure:"limits"`

	// Child configures the MCP server subprocess the gateway fronts.
	Child ChildConfig `yaml:"child" mapstructure:"child"`

	// Audit configures where security audit events are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures optional trace/metric export to stdout.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Auth holds cross-listener auth settings. JWTSecret is parsed for
	// compatibility but not used by any current listener.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// PIDFile is where the start command records its PID.
	// Empty selects the per-user default (~/.bridge-gate/server.pid).
	PIDFile string `yaml:"pid_file" mapstructure:"pid_file"`
}

// ServerConfig configures process-wide server behavior.
type ServerConfig struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownGrace is how long a graceful shutdown may take before the
	// process force-exits. Defaults to 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty,min=0"`
}

// ListenersConfig groups the inbound listener configurations.
type ListenersConfig struct {
	WS  WSListenerConfig  `yaml:"ws" mapstructure:"ws"`
	TCP TCPListenerConfig `yaml:"tcp" mapstructure:"tcp"`
}

// WSListenerConfig configures the WebSocket listener.
type WSListenerConfig struct {
	// Enabled controls whether the WebSocket listener starts.
	// Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Listen is the address to bind (e.g., "0.0.0.0:3002").
	// Defaults to "0.0.0.0:3002".
	Listen string `yaml:"listen" mapstructure:"listen" validate:"required,listen_addr"`

	// MaxConnections caps concurrent sessions on this listener.
	// Defaults to 100.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"min=1"`

	// ConnectionTimeout is the idle timeout measured from the last inbound
	// frame. Zero disables idle expiry. Defaults to 300s.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout" validate:"min=0"`

	// Auth configures bearer-token authentication for this listener.
	Auth ListenerAuthConfig `yaml:"auth" mapstructure:"auth"`
}

// TCPListenerConfig configures the raw TCP listener.
type TCPListenerConfig struct {
	// Enabled controls whether the TCP listener starts.
	// Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Listen is the address to bind (e.g., "0.0.0.0:9500").
	// Defaults to "0.0.0.0:9500".
	Listen string `yaml:"listen" mapstructure:"listen" validate:"required,listen_addr"`

	// MaxConnections caps concurrent sessions on this listener.
	// Defaults to 50.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"min=1"`

	// ConnectionTimeout is the idle timeout measured from the last inbound
	// frame. Zero disables idle expiry. Defaults to 300s.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout" validate:"min=0"`

	// Auth configures in-band authentication for this listener.
	// TCP auth is enabled exactly when a token is configured.
	Auth ListenerAuthConfig `yaml:"auth" mapstructure:"auth"`

	// Mode selects the child process topology for TCP sessions:
	// "dedicated-per-connection" (one child per session) or
	// "shared-persistent" (all sessions share one supervised child).
	// Defaults to "dedicated-per-connection".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"required,tcp_mode"`
}

// ListenerAuthConfig configures token authentication for one listener.
type ListenerAuthConfig struct {
	// Enabled turns authentication on or off. An empty token always
	// disables auth regardless of this flag (see Normalize).
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Token is the shared secret clients must present. Accepts a plain
	// token, a "sha256:<hex>" digest, or an argon2id PHC string
	// ("$argon2id$..."). Generate digests with: bridge-gate hash-token
	Token string `yaml:"token" mapstructure:"token"`
}

// HealthConfig configures the health/metrics HTTP endpoint.
// The endpoint exposes session counts and never requires auth, so it
// must bind a loopback address.
type HealthConfig struct {
	// Listen is the loopback address to bind (e.g., "127.0.0.1:3003").
	// Defaults to "127.0.0.1:3003".
	Listen string `yaml:"listen" mapstructure:"listen" validate:"required,listen_addr"`

	// CORSAllowedOrigins lists origins allowed to read /health from a
	// browser. Empty disables CORS headers entirely.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" mapstructure:"cors_allowed_origins"`
}

// RateLimitConfig configures the per-IP sliding window limiter.
type RateLimitConfig struct {
	// Window is the sliding window length. Defaults to 60s.
	Window time.Duration `yaml:"window" mapstructure:"window" validate:"min=1"`

	// MaxRequests is the number of frames allowed per IP per window.
	// Defaults to 100.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"min=1"`

	// BlockDuration is the TTL of an escalated IP block. Defaults to 5m.
	BlockDuration time.Duration `yaml:"block_duration" mapstructure:"block_duration" validate:"min=1"`

	// Escalate controls whether repeated throttling within one window
	// escalates to a temporary IP block. Defaults to true.
	Escalate bool `yaml:"escalate" mapstructure:"escalate"`
}

// LimitsConfig configures message-size caps.
type LimitsConfig struct {
	// MaxMessageBytes caps a single frame in either direction, newline
	// included. Defaults to 1 MiB (1048576).
	MaxMessageBytes int `yaml:"max_message_bytes" mapstructure:"max_message_bytes" validate:"min=1"`
}

// ChildConfig configures the MCP server subprocess.
type ChildConfig struct {
	// Command is the argv of the child process (program plus arguments).
	// Required whenever a listener is enabled.
	Command []string `yaml:"command" mapstructure:"command"`

	// Cwd is the working directory for the child. Empty inherits the
	// gateway's working directory.
	Cwd string `yaml:"cwd" mapstructure:"cwd"`

	// Env is appended to the gateway's environment for the child.
	Env map[string]string `yaml:"env" mapstructure:"env"`

	// ReadyTimeout bounds how long a shared-mode session waits for the
	// supervised child to finish its initialize handshake. Defaults to 10s.
	ReadyTimeout time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout" validate:"min=0"`

	// RestartBackoff is the pause before the shared supervisor respawns a
	// dead child. Defaults to 2s.
	RestartBackoff time.Duration `yaml:"restart_backoff" mapstructure:"restart_backoff" validate:"min=0"`

	// KillGrace is how long a child gets between SIGTERM and SIGKILL.
	// Defaults to 5s.
	KillGrace time.Duration `yaml:"kill_grace" mapstructure:"kill_grace" validate:"min=0"`
}

// AuditConfig configures audit log output.
type AuditConfig struct {
	// Output specifies where audit events are written.
	// Valid values: "stderr", "file://<absolute-path>", or
	// "sqlite://<absolute-path>". Defaults to "stderr".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// Filter is an optional CEL expression over the audit event; events
	// for which it evaluates false are dropped before the sink.
	// Example: event.event != "connection_established"
	Filter string `yaml:"filter" mapstructure:"filter"`

	// ChannelSize is the buffer size for the audit channel.
	// Larger values absorb bursts at the cost of memory. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events batched per sink write.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending events are flushed. Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,min=1"`

	// File configures the file:// sink (ignored for other outputs).
	File AuditFileConfig `yaml:"file" mapstructure:"file"`
}

// AuditFileConfig configures the file-based audit sink.
type AuditFileConfig struct {
	// RetentionDays is how many days of rotated audit files to keep.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the rotation threshold per audit file in megabytes.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the number of recent events kept in memory for
	// inspection. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// TelemetryConfig configures optional OpenTelemetry export.
// Both exporters write to stdout; there is no network telemetry.
type TelemetryConfig struct {
	// Traces enables span export for session and frame handling.
	Traces bool `yaml:"traces" mapstructure:"traces"`

	// MetricsDump, when positive, periodically dumps OTel metrics to
	// stdout at this interval. Zero disables the dump.
	MetricsDump time.Duration `yaml:"metrics_dump" mapstructure:"metrics_dump" validate:"min=0"`
}

// AuthConfig holds cross-listener authentication settings.
type AuthConfig struct {
	// JWTSecret is reserved for a future token scheme. It is parsed from
	// config and env (JWT_SECRET) but not consumed by any listener.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// SetDefaults applies default values to unset fields.
// viper.IsSet distinguishes "not set" from explicit false for booleans
// that default to true.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}

	// WebSocket listener
	if !viper.IsSet("listeners.ws.enabled") {
		c.Listeners.WS.Enabled = true
	}
	if c.Listeners.WS.Listen == "" {
		c.Listeners.WS.Listen = "0.0.0.0:3002"
	}
	if c.Listeners.WS.MaxConnections == 0 {
		c.Listeners.WS.MaxConnections = 100
	}
	if !viper.IsSet("listeners.ws.connection_timeout") && c.Listeners.WS.ConnectionTimeout == 0 {
		c.Listeners.WS.ConnectionTimeout = 300 * time.Second
	}
	// WS auth defaults to enabled exactly when a token is configured.
	if !viper.IsSet("listeners.ws.auth.enabled") {
		c.Listeners.WS.Auth.Enabled = c.Listeners.WS.Auth.Token != ""
	}

	// TCP listener
	if !viper.IsSet("listeners.tcp.enabled") {
		c.Listeners.TCP.Enabled = true
	}
	if c.Listeners.TCP.Listen == "" {
		c.Listeners.TCP.Listen = "0.0.0.0:9500"
	}
	if c.Listeners.TCP.MaxConnections == 0 {
		c.Listeners.TCP.MaxConnections = 50
	}
	if !viper.IsSet("listeners.tcp.connection_timeout") && c.Listeners.TCP.ConnectionTimeout == 0 {
		c.Listeners.TCP.ConnectionTimeout = 300 * time.Second
	}
	if c.Listeners.TCP.Mode == "" {
		c.Listeners.TCP.Mode = TCPModeDedicated
	}

	// Health endpoint
	if c.Health.Listen == "" {
		c.Health.Listen = "127.0.0.1:3003"
	}

	// Rate limiting
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = 5 * time.Minute
	}
	if !viper.IsSet("rate_limit.escalate") {
		c.RateLimit.Escalate = true
	}

	// Message limits
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = 1 << 20
	}

	// Child process
	if c.Child.ReadyTimeout == 0 {
		c.Child.ReadyTimeout = 10 * time.Second
	}
	if c.Child.RestartBackoff == 0 {
		c.Child.RestartBackoff = 2 * time.Second
	}
	if c.Child.KillGrace == 0 {
		c.Child.KillGrace = 5 * time.Second
	}

	// Audit pipeline
	if c.Audit.Output == "" {
		c.Audit.Output = "stderr"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = time.Second
	}
	if c.Audit.File.RetentionDays == 0 {
		c.Audit.File.RetentionDays = 7
	}
	if c.Audit.File.MaxFileSizeMB == 0 {
		c.Audit.File.MaxFileSizeMB = 100
	}
	if c.Audit.File.CacheSize == 0 {
		c.Audit.File.CacheSize = 1000
	}
}

// Normalize reconciles dependent fields after defaults, env overrides,
// and CLI flags have all been applied.
//
// A listener with no token cannot authenticate anyone, so its auth is
// forced off even when enabled was set explicitly. TCP auth has no
// independent toggle: it is on exactly when a token is configured.
func (c *Config) Normalize() {
	if c.Listeners.WS.Auth.Token == "" {
		c.Listeners.WS.Auth.Enabled = false
	}
	c.Listeners.TCP.Auth.Enabled = c.Listeners.TCP.Auth.Token != ""
}

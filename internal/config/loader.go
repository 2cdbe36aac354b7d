// Package config provides configuration loading for Bridge Gate.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for bridge-gate.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("bridge-gate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: BRIDGE_GATE_LISTENERS_WS_LISTEN
	viper.SetEnvPrefix("BRIDGE_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a bridge-gate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".bridge-gate"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\bridge-gate (typically C:\ProgramData\bridge-gate)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "bridge-gate"))
		}
	} else {
		paths = append(paths, "/etc/bridge-gate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for bridge-gate.yaml
// or .yml. Returns the full path of the first match, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "bridge-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// Keys carried over from pre-YAML deployments additionally bind their flat
// legacy names; the nested BRIDGE_GATE_* form wins when both are set.
// Example: BRIDGE_GATE_LISTENERS_WS_AUTH_TOKEN overrides WS_AUTH_TOKEN.
//
// Legacy keys that need unit or address surgery (bare-integer durations,
// port-only overrides) are handled in applyLegacyOverrides instead.
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.log_level", "BRIDGE_GATE_SERVER_LOG_LEVEL", "MCP_LOG_LEVEL")
	_ = viper.BindEnv("server.shutdown_grace")

	// WebSocket listener
	_ = viper.BindEnv("listeners.ws.enabled")
	_ = viper.BindEnv("listeners.ws.listen")
	_ = viper.BindEnv("listeners.ws.max_connections", "BRIDGE_GATE_LISTENERS_WS_MAX_CONNECTIONS", "WS_MAX_CONNECTIONS")
	_ = viper.BindEnv("listeners.ws.auth.enabled", "BRIDGE_GATE_LISTENERS_WS_AUTH_ENABLED", "WS_AUTH_ENABLED")
	_ = viper.BindEnv("listeners.ws.auth.token", "BRIDGE_GATE_LISTENERS_WS_AUTH_TOKEN", "WS_AUTH_TOKEN")

	// TCP listener
	_ = viper.BindEnv("listeners.tcp.enabled")
	_ = viper.BindEnv("listeners.tcp.listen")
	_ = viper.BindEnv("listeners.tcp.max_connections", "BRIDGE_GATE_LISTENERS_TCP_MAX_CONNECTIONS", "TCP_MAX_CONNECTIONS")
	_ = viper.BindEnv("listeners.tcp.auth.token", "BRIDGE_GATE_LISTENERS_TCP_AUTH_TOKEN", "TCP_AUTH_TOKEN")
	_ = viper.BindEnv("listeners.tcp.mode")

	// Health endpoint
	_ = viper.BindEnv("health.listen")
	_ = viper.BindEnv("health.cors_allowed_origins", "BRIDGE_GATE_HEALTH_CORS_ALLOWED_ORIGINS", "CORS_ALLOWED_ORIGINS")

	// Rate limiting
	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.max_requests", "BRIDGE_GATE_RATE_LIMIT_MAX_REQUESTS", "RATE_LIMIT_MAX_REQUESTS")
	_ = viper.BindEnv("rate_limit.block_duration")
	_ = viper.BindEnv("rate_limit.escalate")

	// Message limits
	_ = viper.BindEnv("limits.max_message_bytes", "BRIDGE_GATE_LIMITS_MAX_MESSAGE_BYTES", "MAX_REQUEST_SIZE")

	// Child process
	// Note: child.command is an argv array and child.env is a map; both are
	// config-file territory. Cwd and the timing knobs bind normally.
	_ = viper.BindEnv("child.cwd")
	_ = viper.BindEnv("child.ready_timeout")
	_ = viper.BindEnv("child.restart_backoff")
	_ = viper.BindEnv("child.kill_grace")

	// Audit pipeline
	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.filter")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")

	// Telemetry
	_ = viper.BindEnv("telemetry.traces")
	_ = viper.BindEnv("telemetry.metrics_dump")

	// Reserved auth settings
	_ = viper.BindEnv("auth.jwt_secret", "BRIDGE_GATE_AUTH_JWT_SECRET", "JWT_SECRET")

	_ = viper.BindEnv("pid_file")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, normalizes dependent fields, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies env overrides and
// defaults, but does NOT normalize or validate. Use this when CLI flags may
// still override fields; callers must then run Normalize and Validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
		// This allows running with pure environment variable configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Defaults first so the port-only legacy overrides have a host to
	// splice their port into.
	cfg.SetDefaults()

	if err := applyLegacyOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// applyLegacyOverrides applies the flat legacy env keys that cannot be
// plain viper bindings: durations that accept bare integers with implied
// units, and port-only keys that rewrite just the port of a listen address.
func applyLegacyOverrides(cfg *Config) error {
	if raw, ok := os.LookupEnv("WS_CONNECTION_TIMEOUT"); ok {
		d, err := parseFlexDuration(raw, time.Second)
		if err != nil {
			return fmt.Errorf("WS_CONNECTION_TIMEOUT: %w", err)
		}
		cfg.Listeners.WS.ConnectionTimeout = d
	}
	if raw, ok := os.LookupEnv("TCP_CONNECTION_TIMEOUT"); ok {
		d, err := parseFlexDuration(raw, time.Second)
		if err != nil {
			return fmt.Errorf("TCP_CONNECTION_TIMEOUT: %w", err)
		}
		cfg.Listeners.TCP.ConnectionTimeout = d
	}
	if raw, ok := os.LookupEnv("RATE_LIMIT_WINDOW_MS"); ok {
		d, err := parseFlexDuration(raw, time.Millisecond)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW_MS: %w", err)
		}
		cfg.RateLimit.Window = d
	}

	if raw, ok := os.LookupEnv("MCP_BRIDGE_PORT"); ok {
		addr, err := overridePort(cfg.Listeners.WS.Listen, raw)
		if err != nil {
			return fmt.Errorf("MCP_BRIDGE_PORT: %w", err)
		}
		cfg.Listeners.WS.Listen = addr
	}
	if raw, ok := os.LookupEnv("MCP_TCP_PORT"); ok {
		addr, err := overridePort(cfg.Listeners.TCP.Listen, raw)
		if err != nil {
			return fmt.Errorf("MCP_TCP_PORT: %w", err)
		}
		cfg.Listeners.TCP.Listen = addr
	}

	// Health port: MCP_HEALTH_PORT wins over MCP_WS_HEALTH_PORT when both
	// are set, so apply the loser first.
	if raw, ok := os.LookupEnv("MCP_WS_HEALTH_PORT"); ok {
		addr, err := overridePort(cfg.Health.Listen, raw)
		if err != nil {
			return fmt.Errorf("MCP_WS_HEALTH_PORT: %w", err)
		}
		cfg.Health.Listen = addr
	}
	if raw, ok := os.LookupEnv("MCP_HEALTH_PORT"); ok {
		addr, err := overridePort(cfg.Health.Listen, raw)
		if err != nil {
			return fmt.Errorf("MCP_HEALTH_PORT: %w", err)
		}
		cfg.Health.Listen = addr
	}

	return nil
}

// parseFlexDuration parses a duration that is either a Go duration string
// ("90s", "5m") or a bare integer in the given implied unit.
func parseFlexDuration(raw string, unit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// overridePort replaces the port of a host:port listen address.
func overridePort(listen, rawPort string) (string, error) {
	port, err := strconv.Atoi(strings.TrimSpace(rawPort))
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", rawPort)
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

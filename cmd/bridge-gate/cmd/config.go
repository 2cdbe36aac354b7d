package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// defaultConfig is the template written by "config init". Every value
// matches the built-in default, so the file is a starting point rather
// than a behavior change.
const defaultConfig = `# Bridge Gate configuration.
# Values can be overridden with BRIDGE_GATE_* environment variables,
# e.g. BRIDGE_GATE_LISTENERS_WS_LISTEN=0.0.0.0:4002

server:
  log_level: info
  shutdown_grace: 10s

# The MCP server to expose. The gateway spawns this command and speaks
# newline-delimited JSON-RPC over its stdio.
child:
  command: []
  # cwd: /var/lib/bridge-gate
  # env:
  #   NODE_ENV: production
  ready_timeout: 10s
  restart_backoff: 2s
  kill_grace: 5s

listeners:
  ws:
    enabled: true
    listen: 0.0.0.0:3002
    max_connections: 100
    connection_timeout: 300s
    auth:
      enabled: false
      # token accepts plain text, "sha256:<hex>", or an Argon2id PHC
      # string. Use "bridge-gate hash-token" to generate the hashed forms.
      token: ""
  tcp:
    enabled: true
    listen: 0.0.0.0:9500
    max_connections: 50
    connection_timeout: 300s
    # dedicated-per-connection spawns one child per TCP session;
    # shared-persistent multiplexes every session onto one child.
    mode: dedicated-per-connection
    auth:
      enabled: false
      token: ""

health:
  listen: 127.0.0.1:3003
  cors_allowed_origins: []

rate_limit:
  window: 60s
  max_requests: 100
  block_duration: 5m
  escalate: true

limits:
  max_message_bytes: 1048576

audit:
  # stderr, file:///var/log/bridge-gate, or sqlite:///var/lib/bridge-gate/audit.db
  output: stderr
  # CEL expression over event, session_id, remote_ip, listener, detail.
  # filter: event != "connection_closed"
  channel_size: 1000
  batch_size: 100
  flush_interval: 1s
  file:
    retention_days: 7
    max_file_size_mb: 100
    cache_size: 1000

telemetry:
  traces: false
  # Dump OTel counters to stdout at this interval; 0 disables.
  metrics_dump: 0s
`

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a default bridge-gate.yaml to the given path (default: the
current directory). Existing files are never overwritten unless --force
is given.

Examples:
  bridge-gate config init
  bridge-gate config init /etc/bridge-gate/bridge-gate.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "bridge-gate.yaml"
	if len(args) > 0 {
		path = args[0]
	}

	// Catch template drift before writing anything.
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(defaultConfig), &doc); err != nil {
		return fmt.Errorf("default config template is invalid: %w", err)
	}

	if !configForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	return nil
}

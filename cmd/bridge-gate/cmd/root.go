// Package cmd provides the CLI commands for Bridge Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bridge-Gate/Bridgegate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bridge-gate",
	Short: "Bridge Gate - network gateway for stdio MCP servers",
	Long: `Bridge Gate exposes a stdio MCP server over WebSocket and TCP.

It spawns the MCP server as a child process and relays newline-framed
JSON-RPC between network clients and the child, enforcing token
authentication, per-IP rate limiting with escalating blocks, payload
validation, and structured security auditing.

Quick start:
  1. Create a config file: bridge-gate config init
  2. Set the MCP server command under "child:" in bridge-gate.yaml
  3. Run: bridge-gate start

Configuration:
  Config is loaded from bridge-gate.yaml in the current directory,
  $HOME/.bridge-gate/, or /etc/bridge-gate/.

  Environment variables can override config values with the BRIDGE_GATE_ prefix.
  Example: BRIDGE_GATE_LISTENERS_WS_LISTEN=0.0.0.0:4002

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  config      Manage configuration files
  hash-token  Hash a listener token for use in config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./bridge-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

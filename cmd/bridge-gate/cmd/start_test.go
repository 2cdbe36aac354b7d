package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	auditstore "github.com/Bridge-Gate/Bridgegate/internal/adapter/outbound/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/config"
)

func TestCommands_Registered(t *testing.T) {
	want := []string{"start", "stop", "version", "hash-token", "config"}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile = %d, want %d", got, os.Getpid())
	}
}

func TestReadPIDFile_Unreadable(t *testing.T) {
	if got := readPIDFile(filepath.Join(t.TempDir(), "missing.pid")); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(garbage, []byte("not a pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(garbage); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}
}

func TestPIDFilePath(t *testing.T) {
	if got := pidFilePath("/run/custom.pid"); got != "/run/custom.pid" {
		t.Errorf("pidFilePath(custom) = %q, want /run/custom.pid", got)
	}
	if got := pidFilePath(""); !strings.Contains(got, "bridge-gate") {
		t.Errorf("pidFilePath default = %q, want a bridge-gate location", got)
	}
}

func TestBuildAuditStore_Schemes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Audit.File.RetentionDays = 7
	cfg.Audit.File.MaxFileSizeMB = 100
	cfg.Audit.File.CacheSize = 10

	cfg.Audit.Output = "stderr"
	store, err := buildAuditStore(cfg, logger)
	if err != nil {
		t.Fatalf("stderr store: %v", err)
	}
	if _, ok := store.(*auditstore.StreamStore); !ok {
		t.Errorf("stderr output built %T, want *auditstore.StreamStore", store)
	}
	store.Close()

	cfg.Audit.Output = "file://" + filepath.Join(dir, "logs")
	store, err = buildAuditStore(cfg, logger)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, ok := store.(*auditstore.FileStore); !ok {
		t.Errorf("file output built %T, want *auditstore.FileStore", store)
	}
	store.Close()

	cfg.Audit.Output = "sqlite://" + filepath.Join(dir, "audit.db")
	store, err = buildAuditStore(cfg, logger)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if _, ok := store.(*auditstore.SQLiteStore); !ok {
		t.Errorf("sqlite output built %T, want *auditstore.SQLiteStore", store)
	}
	store.Close()

	cfg.Audit.Output = "syslog://localhost"
	if _, err := buildAuditStore(cfg, logger); err == nil {
		t.Error("unsupported output should return an error")
	}
}

func TestConfigInit_WritesParseableTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge-gate.yaml")

	if err := runConfigInit(configInitCmd, []string{path}); err != nil {
		t.Fatalf("config init: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	for _, section := range []string{"server", "child", "listeners", "health", "rate_limit", "limits", "audit", "telemetry"} {
		if _, ok := doc[section]; !ok {
			t.Errorf("generated config missing %q section", section)
		}
	}
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge-gate.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := runConfigInit(configInitCmd, []string{path}); err == nil {
		t.Error("config init should refuse to overwrite without --force")
	}

	configForce = true
	defer func() { configForce = false }()
	if err := runConfigInit(configInitCmd, []string{path}); err != nil {
		t.Errorf("config init --force: %v", err)
	}
}

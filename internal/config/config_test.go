package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Router.MaxInFlight != 3 {
		t.Errorf("Expected max_in_flight 3, got %d", cfg.Router.MaxInFlight)
	}
	if cfg.Audit.Backend != BackendSQLite {
		t.Errorf("Expected sqlite backend, got %s", cfg.Audit.Backend)
	}
	if !cfg.Bridge.Governance || cfg.Bridge.AutoExecute {
		t.Errorf("Unexpected bridge defaults: %+v", cfg.Bridge)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
bridge:
  intent_parsing: true
  governance: true
  execution: true
  audit: true
  auto_execute: true
router:
  max_in_flight: 5
  command_timeout: 45s
  allowed_commands: ["go test", "ls"]
audit:
  backend: jsonl
  dir: /tmp/warden-audit
  retention_days: 7
llm:
  endpoint: http://localhost:11434
  model: llama3
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.Bridge.AutoExecute {
		t.Error("Expected auto_execute to be true")
	}
	if cfg.Router.MaxInFlight != 5 || cfg.Router.CommandTimeout != 45*time.Second {
		t.Errorf("Unexpected router config: %+v", cfg.Router)
	}
	if len(cfg.Router.AllowedCommands) != 2 {
		t.Errorf("Expected 2 allowed commands, got %v", cfg.Router.AllowedCommands)
	}
	if cfg.Audit.Backend != BackendJSONL || cfg.Audit.RetentionDays != 7 {
		t.Errorf("Unexpected audit config: %+v", cfg.Audit)
	}
	// Untouched keys keep their defaults.
	if cfg.Audit.BufferSize != 100 || cfg.Audit.FlushInterval != 30*time.Second {
		t.Errorf("Expected audit buffer defaults, got %+v", cfg.Audit.Config)
	}
	if cfg.Server.Listen != "127.0.0.1:7466" {
		t.Errorf("Expected default listen address, got %s", cfg.Server.Listen)
	}
	if !cfg.LLMEnabled() {
		t.Error("Expected LLM to be enabled")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad yaml", "router: [", "parsing config file"},
		{"bad backend", "audit:\n  backend: kafka\n", "invalid audit.backend"},
		{"zero in flight", "router:\n  max_in_flight: 0\n", "max_in_flight"},
		{"llm without model", "llm:\n  endpoint: http://x\n", "llm.model"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.data), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Router.AllowedCommands = []string{"go build"}
	cfg.Audit.RetentionDays = 90

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Audit.RetentionDays != 90 || loaded.Router.AllowedCommands[0] != "go build" {
		t.Errorf("Round trip lost values: %+v", loaded)
	}

	if err := SaveConfig(path, nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

// Package config loads the Warden configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/engine"
	"github.com/fentz26/warden/internal/llm"
	"github.com/fentz26/warden/internal/router"
	"gopkg.in/yaml.v3"
)

// Audit backends.
const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// Config is the full daemon configuration.
type Config struct {
	Bridge     bridge.Config    `yaml:"bridge"`
	Governance GovernanceConfig `yaml:"governance"`
	Router     RouterConfig     `yaml:"router"`
	Audit      AuditConfig      `yaml:"audit"`
	Engine     engine.Config    `yaml:"engine"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	LLM        llm.Config       `yaml:"llm"`
}

// GovernanceConfig locates the rule document.
type GovernanceConfig struct {
	RulesPath string        `yaml:"rules_path"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce"`
}

// RouterConfig extends the router settings with the terminal allowlist.
type RouterConfig struct {
	router.Config `yaml:",inline"`
	// AllowedCommands restricts the terminal, e.g. "go test" or "ls".
	// Empty allows any command that passed governance.
	AllowedCommands []string `yaml:"allowed_commands"`
}

// AuditConfig selects the audit backend.
type AuditConfig struct {
	audit.Config `yaml:",inline"`
	// Backend is "sqlite" or "jsonl".
	Backend string `yaml:"backend"`
	// Dir holds the daily files of the jsonl backend.
	Dir string `yaml:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig is the directory intents may touch.
type WorkspaceConfig struct {
	Root      string   `yaml:"root"`
	Protected []string `yaml:"protected,omitempty"`
}

// Dir returns ~/.warden, or .warden when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// DefaultPath returns ~/.warden/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultConfig returns a configuration rooted at ~/.warden.
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Bridge: bridge.DefaultConfig(),
		Governance: GovernanceConfig{
			RulesPath: filepath.Join(dir, "rules.yaml"),
			Watch:     true,
			Debounce:  250 * time.Millisecond,
		},
		Router: RouterConfig{Config: *router.DefaultConfig()},
		Audit: AuditConfig{
			Config:  *audit.DefaultConfig(),
			Backend: BackendSQLite,
			Dir:     filepath.Join(dir, "audit"),
		},
		Engine:    *engine.DefaultConfig(),
		Server:    ServerConfig{Listen: "127.0.0.1:7466"},
		Store:     StoreConfig{Path: filepath.Join(dir, "warden.db")},
		Workspace: WorkspaceConfig{Root: "."},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults; keys absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Router.MaxInFlight < 1 {
		return fmt.Errorf("router.max_in_flight must be at least 1")
	}
	if c.Router.CommandTimeout < 0 {
		return fmt.Errorf("router.command_timeout cannot be negative")
	}
	switch c.Audit.Backend {
	case BackendSQLite:
	case BackendJSONL:
		if c.Audit.Dir == "" {
			return fmt.Errorf("audit.dir is required for the jsonl backend")
		}
	default:
		return fmt.Errorf("invalid audit.backend %q, must be: sqlite or jsonl", c.Audit.Backend)
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be at least 1")
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.LLM.Endpoint != "" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required when llm.endpoint is set")
	}
	return nil
}

// LLMEnabled reports whether a summary model is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Endpoint != ""
}


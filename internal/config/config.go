// Package config provides configuration types and defaults for the fleet
// orchestrator, loaded as a mapstructure-tagged struct populated via
// viper, with a written-out commented YAML template for first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389-research/fleetd/internal/log"
)

// StorageConfig selects and configures the transactional storage backend.
type StorageConfig struct {
	// Backend is the storage implementation selector. "sqlite" is the only
	// backend shipped today; the field exists so a future backend (e.g. a
	// remote Postgres store) can be swapped in without touching callers.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the backend-specific location: a file path for sqlite.
	Path string `mapstructure:"path" yaml:"path"`
}

// Config holds every option the orchestrator reads at startup.
type Config struct {
	// MaxWorkers bounds live (non-dismissed) workers across the fleet.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	// MaxDepth bounds the depth of a spawn-queue dependency chain.
	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`
	// HeartbeatIntervalMS is how often the stale-worker sweep runs.
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	// StaleThresholdMS is how long a worker may go without a heartbeat
	// before the sweep marks it error.
	StaleThresholdMS int `mapstructure:"stale_threshold_ms" yaml:"stale_threshold_ms"`

	WorktreesEnabled  bool   `mapstructure:"worktrees_enabled" yaml:"worktrees_enabled"`
	WorktreeBaseDir   string `mapstructure:"worktree_base_dir" yaml:"worktree_base_dir"`
	BranchPrefix      string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	DefaultBaseBranch string `mapstructure:"default_base_branch" yaml:"default_base_branch"`
	Remote            string `mapstructure:"remote" yaml:"remote"`

	// HookMode is "enforce" or "advisory", see internal/hooks.Mode.
	HookMode string `mapstructure:"hook_mode" yaml:"hook_mode"`

	// WorkerCommand is the argv used to launch every worker subprocess.
	// WORKER_ID/WORKER_HANDLE/WORKER_ROLE are always injected as
	// environment variables by ProcessSupervisor; this argv is otherwise
	// opaque to the orchestrator.
	WorkerCommand []string `mapstructure:"worker_command" yaml:"worker_command"`

	// Addr is a listen address carried in the config; serve opens no
	// listener and does not read it.
	Addr string `mapstructure:"addr" yaml:"addr"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig controls the OpenTelemetry exporter used for worker
// process spans. Off by default; see internal/tracing.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		MaxWorkers:          10,
		MaxDepth:            3,
		HeartbeatIntervalMS: 10_000,
		StaleThresholdMS:    120_000,
		WorktreesEnabled:    true,
		WorktreeBaseDir:     "",
		BranchPrefix:        "fleet/",
		DefaultBaseBranch:   "",
		Remote:              "origin",
		HookMode:            "enforce",
		WorkerCommand:       []string{"claude", "--print"},
		Addr:                "localhost:19999",
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    DefaultStoragePath(),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "fleetd-orchestrator",
		},
	}
}

// DefaultStoragePath returns ~/.fleetd/fleet.db, falling back to a
// relative path if the home directory cannot be resolved.
func DefaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetd/fleet.db"
	}
	return filepath.Join(home, ".fleetd", "fleet.db")
}

// Validate checks cfg for internally-inconsistent values that viper's
// unmarshal can't catch on its own.
func Validate(cfg Config) error {
	if cfg.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be positive, got %d", cfg.MaxDepth)
	}
	switch cfg.HookMode {
	case "enforce", "advisory":
	default:
		return fmt.Errorf("hook_mode must be \"enforce\" or \"advisory\", got %q", cfg.HookMode)
	}
	if len(cfg.WorkerCommand) == 0 {
		return fmt.Errorf("worker_command must not be empty")
	}
	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path must not be empty for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments, written out on first run.
func DefaultConfigTemplate() string {
	return `# fleetd orchestrator configuration

# Maximum number of live (non-dismissed) workers across the fleet.
max_workers: 10

# Maximum depth of a spawn-queue dependency chain.
max_depth: 3

# How often (ms) the stale-worker sweep runs.
heartbeat_interval_ms: 10000

# How long (ms) a worker may go without a heartbeat before it is marked error.
stale_threshold_ms: 120000

# Whether spawned workers get an isolated git worktree.
worktrees_enabled: true

# Explicit worktree base directory; empty uses the sibling-or-fallback strategy.
worktree_base_dir: ""

branch_prefix: "fleet/"
default_base_branch: ""
remote: "origin"

# "enforce" blocks dangerous operations; "advisory" only warns.
hook_mode: "enforce"

# Argv used to launch every worker subprocess.
worker_command: ["claude", "--print"]

# Listen address; not read by the serve subcommand, which opens no listener.
addr: "localhost:19999"

storage:
  backend: "sqlite"
  # path: /home/you/.fleetd/fleet.db

tracing:
  enabled: false
  exporter: "none" # "none", "stdout", or "otlp"
  otlp_endpoint: "localhost:4317"
  sample_rate: 1.0
  service_name: "fleetd-orchestrator"
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}

// Package config defines the plain struct the core is handed at startup. It
// is parsed from YAML by the external CLI/config collaborator — this
// package owns only the struct shape, defaults, env overrides, and
// validation, never flag or argument parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BacklogConfig configures the durable task store.
type BacklogConfig struct {
	DBPath            string `yaml:"db_path"`
	DefaultLeaseSeconds int  `yaml:"default_lease_seconds"`
	MaxAttempts       int    `yaml:"max_attempts"`
}

// AdapterConfig configures one agent backend binary.
type AdapterConfig struct {
	Binary         string `yaml:"binary"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AdaptersConfig configures every supported agent backend.
type AdaptersConfig struct {
	Claude AdapterConfig `yaml:"claude"`
	Codex  AdapterConfig `yaml:"codex"`
}

// SchedulerConfig configures the worker pool and its FIFO request queue.
type SchedulerConfig struct {
	WorkerCount          int    `yaml:"worker_count"`
	PollIntervalMillis   int    `yaml:"poll_interval_millis"`
	HeartbeatSeconds     int    `yaml:"heartbeat_seconds"`
	LeaseTimeoutSeconds  int    `yaml:"lease_timeout_seconds"`
	DrainTimeoutSeconds  int    `yaml:"drain_timeout_seconds"`
	HotkeysEnabled       bool   `yaml:"hotkeys_enabled"`
	ReconcileCron        string `yaml:"reconcile_cron"`
}

// ReconcileConfig configures the worktree/PR reconciliation sweep, and the
// per-task worktree isolation internal/workerrt.Runtime.Worktrees uses.
type ReconcileConfig struct {
	RepoPath      string `yaml:"repo_path"`
	WorktreesRoot string `yaml:"worktrees_root"`
	BaseBranch    string `yaml:"base_branch"`
	GitHubOwner   string `yaml:"github_owner"`
	GitHubRepo    string `yaml:"github_repo"`
	GitHubToken   string `yaml:"github_token"`
}

// TelemetryConfig configures logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level"` // "debug", "info", "warn", "error"
	LogFormat      string  `yaml:"log_format"` // "json" or "text"
	OTelEnabled    bool    `yaml:"otel_enabled"`
	OTelExporter   string  `yaml:"otel_exporter"` // "otlp-http", "stdout", "none"
	OTelEndpoint   string  `yaml:"otel_endpoint"`
	OTelSampleRate float64 `yaml:"otel_sample_rate"`
}

// Config is the top-level object the core is handed at startup.
type Config struct {
	HomeDir   string          `yaml:"-"`
	Backlog   BacklogConfig   `yaml:"backlog"`
	Adapters  AdaptersConfig  `yaml:"adapters"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// TokenBudgetPerTurn bounds BuildPrompt's per-turn context assembly.
	TokenBudgetPerTurn int `yaml:"token_budget_per_turn"`
}

// ValidationError reports a Configuration-class failure: the config parsed
// but its values are individually or mutually inconsistent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

func defaultConfig() Config {
	return Config{
		Backlog: BacklogConfig{
			DefaultLeaseSeconds: 900,
			MaxAttempts:         10,
		},
		Adapters: AdaptersConfig{
			Claude: AdapterConfig{Binary: "claude", TimeoutSeconds: 600},
			Codex:  AdapterConfig{Binary: "codex", TimeoutSeconds: 600},
		},
		Scheduler: SchedulerConfig{
			WorkerCount:         4,
			PollIntervalMillis:  500,
			HeartbeatSeconds:    15,
			LeaseTimeoutSeconds: 900,
			DrainTimeoutSeconds: 30,
			ReconcileCron:       "@every 30s",
		},
		Reconcile: ReconcileConfig{
			BaseBranch: "main",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTelExporter:   "none",
			OTelSampleRate: 1.0,
		},
		TokenBudgetPerTurn: 32000,
	}
}

// HomeDir returns the orchestrator's state directory, honoring
// GARDENERD_HOME, falling back to ~/.gardenerd.
func HomeDir() string {
	if override := os.Getenv("GARDENERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gardenerd")
}

// Load reads <HomeDir>/config.yaml (if present), applies env overrides and
// defaults, and validates the result. A missing config.yaml is not an
// error — the defaults alone are a valid configuration.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Scheduler.WorkerCount <= 0 {
		cfg.Scheduler.WorkerCount = 4
	}
	if cfg.Scheduler.PollIntervalMillis <= 0 {
		cfg.Scheduler.PollIntervalMillis = 500
	}
	if cfg.Scheduler.HeartbeatSeconds <= 0 {
		cfg.Scheduler.HeartbeatSeconds = 15
	}
	if cfg.Scheduler.LeaseTimeoutSeconds <= 0 {
		cfg.Scheduler.LeaseTimeoutSeconds = 900
	}
	if cfg.Scheduler.ReconcileCron == "" {
		cfg.Scheduler.ReconcileCron = "@every 30s"
	}
	if cfg.Backlog.DefaultLeaseSeconds <= 0 {
		cfg.Backlog.DefaultLeaseSeconds = 900
	}
	if cfg.Backlog.MaxAttempts <= 0 {
		cfg.Backlog.MaxAttempts = 10
	}
	if cfg.Backlog.DBPath == "" {
		cfg.Backlog.DBPath = filepath.Join(cfg.HomeDir, "backlog.db")
	}
	if cfg.Adapters.Claude.Binary == "" {
		cfg.Adapters.Claude.Binary = "claude"
	}
	if cfg.Adapters.Codex.Binary == "" {
		cfg.Adapters.Codex.Binary = "codex"
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if cfg.Telemetry.LogFormat == "" {
		cfg.Telemetry.LogFormat = "json"
	}
	if cfg.Telemetry.OTelExporter == "" {
		cfg.Telemetry.OTelExporter = "none"
	}
	if cfg.Telemetry.OTelSampleRate <= 0 {
		cfg.Telemetry.OTelSampleRate = 1.0
	}
	if cfg.TokenBudgetPerTurn <= 0 {
		cfg.TokenBudgetPerTurn = 32000
	}
}

// Validate checks cross-field invariants that normalize's defaulting alone
// cannot guarantee, returning a *ValidationError describing the first
// problem found.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Telemetry.LogLevel)] {
		return &ValidationError{Field: "telemetry.log_level", Reason: fmt.Sprintf("unsupported level %q", cfg.Telemetry.LogLevel)}
	}
	if cfg.Telemetry.LogFormat != "json" && cfg.Telemetry.LogFormat != "text" {
		return &ValidationError{Field: "telemetry.log_format", Reason: fmt.Sprintf("unsupported format %q", cfg.Telemetry.LogFormat)}
	}
	if cfg.Scheduler.HeartbeatSeconds*2 > cfg.Scheduler.LeaseTimeoutSeconds {
		return &ValidationError{
			Field:  "scheduler.heartbeat_seconds",
			Reason: fmt.Sprintf("heartbeat (%ds) must leave at least one missed beat of margin before lease_timeout_seconds (%ds)", cfg.Scheduler.HeartbeatSeconds, cfg.Scheduler.LeaseTimeoutSeconds),
		}
	}
	if cfg.Reconcile.GitHubOwner != "" && cfg.Reconcile.GitHubRepo == "" {
		return &ValidationError{Field: "reconcile.github_repo", Reason: "github_owner set without github_repo"}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GARDENERD_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.WorkerCount = n
		}
	}
	if v := os.Getenv("GARDENERD_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
	if v := os.Getenv("GARDENERD_GITHUB_TOKEN"); v != "" {
		cfg.Reconcile.GitHubToken = v
	}
	if v := os.Getenv("GARDENERD_CLAUDE_MODEL"); v != "" {
		cfg.Adapters.Claude.Model = v
	}
	if v := os.Getenv("GARDENERD_CODEX_MODEL"); v != "" {
		cfg.Adapters.Codex.Model = v
	}
	if v := os.Getenv("GARDENERD_BACKLOG_DB_PATH"); v != "" {
		cfg.Backlog.DBPath = v
	}
}

// LeaseTimeout returns the scheduler's configured lease timeout as a
// time.Duration.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Scheduler.LeaseTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the scheduler's configured heartbeat interval as
// a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Scheduler.HeartbeatSeconds) * time.Second
}

// DrainTimeout returns the scheduler's configured drain timeout as a
// time.Duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Scheduler.DrainTimeoutSeconds) * time.Second
}

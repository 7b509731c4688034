// Package config loads the runtime configuration from <home>/config.yaml
// and applies environment overrides. A missing file yields the defaults;
// a malformed file or an invalid value is a startup error (exit code 2).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingProfile selects the cost/quality tradeoff for model routing.
const (
	RoutingAuto    = "auto"
	RoutingEco     = "eco"
	RoutingPremium = "premium"
	RoutingFree    = "free"
)

var routingProfiles = map[string]struct{}{
	RoutingAuto:    {},
	RoutingEco:     {},
	RoutingPremium: {},
	RoutingFree:    {},
}

// SchedulerConfig bounds the job pool.
type SchedulerConfig struct {
	// MaxParallelJobs caps concurrently running jobs across all users.
	// One job per user is enforced regardless.
	MaxParallelJobs int `yaml:"max_parallel_jobs"`
	MailboxSize     int `yaml:"mailbox_size"`
}

// EngineConfig tunes the agent loop.
type EngineConfig struct {
	LLMTimeoutSeconds int `yaml:"llm_timeout_seconds"`
	// MaxToolIterations bounds the call->dispatch loop within one turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// DailyResetHour is the local hour (0-23) at which a new day starts a
	// fresh thread. -1 disables the reset.
	DailyResetHour int `yaml:"daily_reset_hour"`
	// HeartbeatSpec is a cron expression for the background heartbeat.
	// Empty disables it.
	HeartbeatSpec string `yaml:"heartbeat_spec"`
}

// SandboxConfig tunes the WASM tool sandbox.
type SandboxConfig struct {
	ModuleDir        string `yaml:"module_dir"`
	MemoryLimitPages int    `yaml:"memory_limit_pages"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	FaultThreshold   int    `yaml:"fault_threshold"`
}

// IntegrityConfig selects how drift on identity files is handled.
type IntegrityConfig struct {
	// Mode is "restore" or "alert".
	Mode string `yaml:"mode"`
}

// GuardConfig tunes the command guard.
type GuardConfig struct {
	// FailMode is "open" or "closed"; applied when rule evaluation times
	// out.
	FailMode string `yaml:"fail_mode"`
}

// LLMProvider configures one model endpoint. Endpoints speak the
// OpenAI-compatible chat completions protocol.
type LLMProvider struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the key; the key
	// itself never lives in config.yaml.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// LLMConfig lists providers in failover order.
type LLMConfig struct {
	Providers              []LLMProvider `yaml:"providers,omitempty"`
	BreakerThreshold       int           `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int           `yaml:"breaker_cooldown_seconds"`
}

// OtelConfig mirrors the telemetry exporter settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the full runtime configuration.
type Config struct {
	AgentID   string `yaml:"agent_id"`
	AgentName string `yaml:"agent_name"`

	// HomeDir holds config, logs, and state. Not set from YAML.
	HomeDir string `yaml:"-"`
	// WorkspaceDir is the agent workspace root; defaults to
	// <home>/workspace.
	WorkspaceDir string `yaml:"workspace_dir"`
	// DatabaseURL is the SQLite path; defaults to <home>/ironclaw.db.
	DatabaseURL string `yaml:"database_url"`

	RoutingProfile string `yaml:"routing_profile"`
	LLMBackend     string `yaml:"llm_backend"`
	LogLevel       string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Guard     GuardConfig     `yaml:"guard"`
	LLM       LLMConfig       `yaml:"llm"`
	Otel      OtelConfig      `yaml:"otel"`
}

// DefaultHomeDir is <user home>/.ironclaw.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ironclaw")
}

func defaults(homeDir string) *Config {
	return &Config{
		AgentID:        "main",
		AgentName:      "IronClaw",
		HomeDir:        homeDir,
		WorkspaceDir:   filepath.Join(homeDir, "workspace"),
		DatabaseURL:    filepath.Join(homeDir, "ironclaw.db"),
		RoutingProfile: RoutingAuto,
		LogLevel:       "info",
		Scheduler: SchedulerConfig{
			MaxParallelJobs: 4,
			MailboxSize:     64,
		},
		Engine: EngineConfig{
			LLMTimeoutSeconds: 120,
			MaxToolIterations: 20,
			DailyResetHour:    -1,
			HeartbeatSpec:     "*/30 * * * *",
		},
		Sandbox: SandboxConfig{
			ModuleDir:      filepath.Join(homeDir, "modules"),
			TimeoutSeconds: 30,
			FaultThreshold: 3,
		},
		Integrity: IntegrityConfig{Mode: "restore"},
		Guard:     GuardConfig{FailMode: "closed"},
		LLM: LLMConfig{
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 300,
		},
	}
}

// Providers returns the configured provider list, or a single default
// provider derived from the backend and routing profile when config.yaml
// names none.
func (c *Config) Providers() []LLMProvider {
	if len(c.LLM.Providers) > 0 {
		return c.LLM.Providers
	}
	name := c.LLMBackend
	if name == "" {
		name = "openai"
	}
	model := "gpt-4o"
	if c.RoutingProfile == RoutingEco || c.RoutingProfile == RoutingFree {
		model = "gpt-4o-mini"
	}
	return []LLMProvider{{Name: name, Model: model, APIKeyEnv: "OPENAI_API_KEY"}}
}

// Load reads <homeDir>/config.yaml, falling back to defaults when the
// file does not exist, then applies environment overrides and validates.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.HomeDir = homeDir
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("AGENT_NAME"); v != "" {
		c.AgentName = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("ROUTING_PROFILE"); v != "" {
		c.RoutingProfile = v
	}
	if v := os.Getenv("LLM_BACKEND"); v != "" {
		c.LLMBackend = v
	}
	if v := os.Getenv("IRONCLAW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	if _, ok := routingProfiles[c.RoutingProfile]; !ok {
		return fmt.Errorf("config: routing_profile %q is not one of auto, eco, premium, free", c.RoutingProfile)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.Scheduler.MaxParallelJobs < 1 {
		return fmt.Errorf("config: scheduler.max_parallel_jobs must be at least 1")
	}
	if c.Engine.DailyResetHour < -1 || c.Engine.DailyResetHour > 23 {
		return fmt.Errorf("config: engine.daily_reset_hour %d outside [-1, 23]", c.Engine.DailyResetHour)
	}
	if c.Engine.LLMTimeoutSeconds < 1 {
		return fmt.Errorf("config: engine.llm_timeout_seconds must be positive")
	}
	switch c.Integrity.Mode {
	case "restore", "alert":
	default:
		return fmt.Errorf("config: integrity.mode %q is not restore or alert", c.Integrity.Mode)
	}
	switch c.Guard.FailMode {
	case "open", "closed":
	default:
		return fmt.Errorf("config: guard.fail_mode %q is not open or closed", c.Guard.FailMode)
	}
	for i, p := range c.LLM.Providers {
		if p.Name == "" || p.Model == "" {
			return fmt.Errorf("config: llm.providers[%d] needs both name and model", i)
		}
	}
	return nil
}

// Save writes the config back to <home>/config.yaml. Used by first-run
// setup to materialise defaults for editing.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ParseBoolEnv reads a boolean env var with a default.
func ParseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

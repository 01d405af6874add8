// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openclaw/warden/internal/guardian"
	"github.com/openclaw/warden/internal/loop"
	"github.com/openclaw/warden/internal/security"
)

// Config represents the full runtime configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Judge     JudgeConfig     `toml:"judge"`
	Security  SecurityConfig  `toml:"security"`
	Guardian  GuardianConfig  `toml:"guardian"`
	Goal      GoalConfig      `toml:"goal"`
	Loop      LoopConfig      `toml:"loop"`
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Events    EventsConfig    `toml:"events"`
}

// LLMConfig contains model provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts for provider-side retries
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// JudgeConfig optionally points the goal evaluator at a different model.
// Empty fields fall back to the main LLM config.
type JudgeConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
}

// SecurityConfig contains the gate policy.
type SecurityConfig struct {
	AutoApproveUpTo     string            `toml:"auto_approve_up_to"` // tier name, default "t1"
	DenyAbove           string            `toml:"deny_above"`         // tier name, default "t4"
	ApprovalTimeoutSecs int               `toml:"approval_timeout_secs"`
	ToolOverrides       map[string]string `toml:"tool_overrides"` // tool name -> allow|deny|ask
	// PatternsFile replaces the built-in dangerous-pattern set; changes to
	// the file are picked up while running.
	PatternsFile string         `toml:"patterns_file"`
	SubAgent     SubAgentConfig `toml:"subagent"`
}

// SubAgentConfig is the policy overlay applied to nested agents. It can
// only tighten the parent policy, never loosen it.
type SubAgentConfig struct {
	AutoApproveUpTo string `toml:"auto_approve_up_to"`
	DenyAbove       string `toml:"deny_above"`
}

// GuardianConfig contains watchdog thresholds.
type GuardianConfig struct {
	Enabled           bool  `toml:"enabled"`
	DoomLoopThreshold int   `toml:"doom_loop_threshold"`
	StallTimeoutSecs  int   `toml:"stall_timeout_secs"`
	BudgetTokens      int64 `toml:"budget_tokens"`
	BudgetWarnPct     int   `toml:"budget_warn_pct"`
}

// GoalConfig contains evaluator settings that apply across goals.
type GoalConfig struct {
	// File points at a YAML goal definition.
	File             string  `toml:"file"`
	SuccessThreshold float64 `toml:"success_threshold"`
	ConfidenceFloor  float64 `toml:"confidence_floor"`
}

// LoopConfig bounds a run.
type LoopConfig struct {
	MaxTurns        int    `toml:"max_turns"`
	MaxDurationSecs int    `toml:"max_duration_secs"`
	ParallelTools   int    `toml:"parallel_tools"`
	RetryAttempts   int    `toml:"retry_attempts"`
	RetryBaseDelay  string `toml:"retry_base_delay"` // e.g. "500ms"
	SystemPrompt    string `toml:"system_prompt"`
	Workspace       string `toml:"workspace"`
}

// StorageConfig contains durable state locations.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for sessions and checkpoints
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string            `toml:"protocol"` // grpc (default) or http
	Insecure bool              `toml:"insecure"`
	Headers  map[string]string `toml:"headers"`
}

// EventsConfig optionally bridges the event stream to NATS for external
// subscribers.
type EventsConfig struct {
	NATSURL     string `toml:"nats_url"`
	SubjectBase string `toml:"subject_base"` // default "warden.events"
}

// New creates a config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Security: SecurityConfig{
			AutoApproveUpTo:     "t1",
			DenyAbove:           "t4",
			ApprovalTimeoutSecs: 60,
		},
		Guardian: GuardianConfig{
			Enabled:           true,
			DoomLoopThreshold: 3,
			StallTimeoutSecs:  120,
			BudgetWarnPct:     80,
		},
		Goal: GoalConfig{
			SuccessThreshold: 0.9,
		},
		Loop: LoopConfig{
			MaxTurns:        50,
			MaxDurationSecs: 1800,
			RetryAttempts:   3,
			RetryBaseDelay:  "500ms",
		},
		Storage: StorageConfig{
			Path: "~/.local/warden",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Events: EventsConfig{
			SubjectBase: "warden.events",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads warden.toml from the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "warden.toml"))
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// JudgeLLM returns the judge model settings with main-LLM fallbacks.
func (c *Config) JudgeLLM() LLMConfig {
	out := c.LLM
	if c.Judge.Provider != "" {
		out.Provider = c.Judge.Provider
	}
	if c.Judge.Model != "" {
		out.Model = c.Judge.Model
	}
	if c.Judge.APIKeyEnv != "" {
		out.APIKeyEnv = c.Judge.APIKeyEnv
	}
	if c.Judge.MaxTokens > 0 {
		out.MaxTokens = c.Judge.MaxTokens
	}
	return out
}

// Policy converts the security section into a gate policy.
func (c *Config) Policy() (security.Policy, error) {
	pol := security.DefaultPolicy()
	if c.Security.AutoApproveUpTo != "" {
		tier, err := security.ParseTier(c.Security.AutoApproveUpTo)
		if err != nil {
			return pol, fmt.Errorf("auto_approve_up_to: %w", err)
		}
		pol.AutoApproveUpTo = tier
	}
	if c.Security.DenyAbove != "" {
		tier, err := security.ParseTier(c.Security.DenyAbove)
		if err != nil {
			return pol, fmt.Errorf("deny_above: %w", err)
		}
		pol.DenyAbove = tier
	}
	if c.Security.ApprovalTimeoutSecs > 0 {
		pol.ApprovalTimeout = time.Duration(c.Security.ApprovalTimeoutSecs) * time.Second
	}
	if len(c.Security.ToolOverrides) > 0 {
		pol.ToolOverrides = c.Security.ToolOverrides
	}
	return pol, nil
}

// SubAgentPolicy converts the subagent section into the overlay source
// policy, or nil when the section is absent.
func (c *Config) SubAgentPolicy() (*security.Policy, error) {
	sub := c.Security.SubAgent
	if sub.AutoApproveUpTo == "" && sub.DenyAbove == "" {
		return nil, nil
	}
	pol, err := c.Policy()
	if err != nil {
		return nil, err
	}
	if sub.AutoApproveUpTo != "" {
		tier, err := security.ParseTier(sub.AutoApproveUpTo)
		if err != nil {
			return nil, fmt.Errorf("subagent auto_approve_up_to: %w", err)
		}
		pol.AutoApproveUpTo = tier
	}
	if sub.DenyAbove != "" {
		tier, err := security.ParseTier(sub.DenyAbove)
		if err != nil {
			return nil, fmt.Errorf("subagent deny_above: %w", err)
		}
		pol.DenyAbove = tier
	}
	return &pol, nil
}

// GuardianSettings converts the guardian section into watchdog thresholds.
func (c *Config) GuardianSettings() guardian.Config {
	g := guardian.DefaultConfig()
	g.Enabled = c.Guardian.Enabled
	if c.Guardian.DoomLoopThreshold > 0 {
		g.DoomLoopThreshold = c.Guardian.DoomLoopThreshold
	}
	if c.Guardian.StallTimeoutSecs > 0 {
		g.StallTimeout = time.Duration(c.Guardian.StallTimeoutSecs) * time.Second
	}
	g.TokenBudget = c.Guardian.BudgetTokens
	if c.Guardian.BudgetWarnPct > 0 {
		g.TokenWarnPct = c.Guardian.BudgetWarnPct
	}
	return g
}

// RetrySettings converts the loop section into a loop retry config.
func (c *Config) RetrySettings() loop.RetryConfig {
	retry := loop.DefaultRetryConfig()
	if c.Loop.RetryAttempts > 0 {
		retry.MaxAttempts = c.Loop.RetryAttempts
	}
	if c.Loop.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(c.Loop.RetryBaseDelay); err == nil && d > 0 {
			retry.BaseDelay = d
		}
	}
	return retry
}

// StoragePath expands the configured base directory.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}

package config

import (
	"time"
)

// Config represents the main agentgate configuration
type Config struct {
	Switchboard SwitchboardConfig `json:"switchboard" mapstructure:"switchboard"`
	Registry    RegistryConfig    `json:"registry" mapstructure:"registry"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	Model       ModelConfig       `json:"model" mapstructure:"model"`
	Usage       UsageConfig       `json:"usage" mapstructure:"usage"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// SwitchboardConfig holds websocket server configuration
type SwitchboardConfig struct {
	Host                 string `json:"host" mapstructure:"host"`
	Port                 int    `json:"port" mapstructure:"port"`
	SharedSecret         string `json:"shared_secret" mapstructure:"shared_secret"`
	ClientToolTimeoutSec int    `json:"client_tool_timeout_sec" mapstructure:"client_tool_timeout_sec"`
	OutboundBuffer       int    `json:"outbound_buffer" mapstructure:"outbound_buffer"`
	ShutdownTimeoutSec   int    `json:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
	RunRequestsPerMinute int    `json:"run_requests_per_minute" mapstructure:"run_requests_per_minute"`
}

// RegistryConfig holds agent template resolution settings
type RegistryConfig struct {
	DefaultPublisher string `json:"default_publisher" mapstructure:"default_publisher"`
	DefinitionsPath  string `json:"definitions_path" mapstructure:"definitions_path"` // static definitions file
	AgentsDir        string `json:"agents_dir" mapstructure:"agents_dir"`             // published definitions root
	Watch            bool   `json:"watch" mapstructure:"watch"`
}

// AgentConfig holds step loop settings
type AgentConfig struct {
	MaxRetries        int    `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs  int    `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	DefaultStepBudget int    `json:"default_step_budget" mapstructure:"default_step_budget"`
	WorkspaceRoot     string `json:"workspace_root" mapstructure:"workspace_root"`
}

// ModelConfig selects the model provider
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	// FallbackProvider takes over when the primary fails with a retryable error. Empty disables it.
	FallbackProvider string `json:"fallback_provider" mapstructure:"fallback_provider"`
	FallbackAPIKey   string `json:"fallback_api_key" mapstructure:"fallback_api_key"`
}

// UsageConfig holds usage meter settings
type UsageConfig struct {
	StepsPerSession int    `json:"steps_per_session" mapstructure:"steps_per_session"` // 0 = unlimited
	ResetSchedule   string `json:"reset_schedule" mapstructure:"reset_schedule"`
	LedgerPath      string `json:"ledger_path" mapstructure:"ledger_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"` // empty disables the audit trail
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// ClientToolTimeout returns the out-of-band client tool call timeout.
func (c SwitchboardConfig) ClientToolTimeout() time.Duration {
	return time.Duration(c.ClientToolTimeoutSec) * time.Second
}

// ShutdownTimeout returns how long shutdown waits for sessions to finish.
func (c SwitchboardConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// RetryBaseDelay returns the first model retry backoff delay.
func (c AgentConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Switchboard: SwitchboardConfig{
			Host:                 "127.0.0.1",
			Port:                 4242,
			ClientToolTimeoutSec: 60,
			OutboundBuffer:       256,
			ShutdownTimeoutSec:   30,
			RunRequestsPerMinute: 30,
		},
		Registry: RegistryConfig{
			DefaultPublisher: "codebuff",
			Watch:            true,
		},
		Agent: AgentConfig{
			MaxRetries:        3,
			RetryBaseDelayMs:  1000,
			DefaultStepBudget: 25,
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Temperature: 0,
		},
		Usage: UsageConfig{
			ResetSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

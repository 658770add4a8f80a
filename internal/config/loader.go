package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "AGENTGATE"
	dataDirName    = ".agentgate"
	configFileName = "agentgate.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (when present) and AGENTGATE_* environment overrides
// on top of DefaultConfig.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, dataDirName)
	}

	if cfg.Registry.AgentsDir == "" {
		cfg.Registry.AgentsDir = filepath.Join(cfg.DataDir, "agents")
	}

	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override keys absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("switchboard.host", cfg.Switchboard.Host)
	v.SetDefault("switchboard.port", cfg.Switchboard.Port)
	v.SetDefault("switchboard.shared_secret", cfg.Switchboard.SharedSecret)
	v.SetDefault("switchboard.client_tool_timeout_sec", cfg.Switchboard.ClientToolTimeoutSec)
	v.SetDefault("switchboard.outbound_buffer", cfg.Switchboard.OutboundBuffer)
	v.SetDefault("switchboard.shutdown_timeout_sec", cfg.Switchboard.ShutdownTimeoutSec)
	v.SetDefault("switchboard.run_requests_per_minute", cfg.Switchboard.RunRequestsPerMinute)
	v.SetDefault("registry.default_publisher", cfg.Registry.DefaultPublisher)
	v.SetDefault("registry.definitions_path", cfg.Registry.DefinitionsPath)
	v.SetDefault("registry.agents_dir", cfg.Registry.AgentsDir)
	v.SetDefault("registry.watch", cfg.Registry.Watch)
	v.SetDefault("agent.max_retries", cfg.Agent.MaxRetries)
	v.SetDefault("agent.retry_base_delay_ms", cfg.Agent.RetryBaseDelayMs)
	v.SetDefault("agent.default_step_budget", cfg.Agent.DefaultStepBudget)
	v.SetDefault("agent.workspace_root", cfg.Agent.WorkspaceRoot)
	v.SetDefault("model.provider", cfg.Model.Provider)
	v.SetDefault("model.model", cfg.Model.Model)
	v.SetDefault("model.api_key", cfg.Model.APIKey)
	v.SetDefault("model.max_tokens", cfg.Model.MaxTokens)
	v.SetDefault("model.temperature", cfg.Model.Temperature)
	v.SetDefault("model.fallback_provider", cfg.Model.FallbackProvider)
	v.SetDefault("model.fallback_api_key", cfg.Model.FallbackAPIKey)
	v.SetDefault("usage.steps_per_session", cfg.Usage.StepsPerSession)
	v.SetDefault("usage.reset_schedule", cfg.Usage.ResetSchedule)
	v.SetDefault("usage.ledger_path", cfg.Usage.LedgerPath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("data_dir", cfg.DataDir)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dataDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

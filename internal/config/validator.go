package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates the model provider name and its API key format
func (v *Validator) ValidateProvider(provider, apiKey string) error {
	switch provider {
	case "anthropic":
		if apiKey != "" && !strings.HasPrefix(apiKey, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if apiKey != "" && !strings.HasPrefix(apiKey, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unsupported model provider: %s (must be one of: anthropic, openai)", provider)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron expression or descriptor such as @daily
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid usage reset schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Switchboard.Port); err != nil {
		errs = append(errs, fmt.Errorf("switchboard: %w", err))
	}
	if cfg.Switchboard.ClientToolTimeoutSec <= 0 {
		errs = append(errs, errors.New("switchboard: client_tool_timeout_sec must be positive"))
	}
	if cfg.Switchboard.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("switchboard: outbound_buffer must be positive"))
	}
	if cfg.Registry.DefaultPublisher == "" {
		errs = append(errs, errors.New("registry: default_publisher cannot be empty"))
	}
	if cfg.Agent.MaxRetries < 0 {
		errs = append(errs, errors.New("agent: max_retries cannot be negative"))
	}
	if cfg.Agent.DefaultStepBudget <= 0 {
		errs = append(errs, errors.New("agent: default_step_budget must be positive"))
	}
	if err := v.ValidateProvider(cfg.Model.Provider, cfg.Model.APIKey); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if cfg.Model.FallbackProvider != "" {
		switch err := v.ValidateProvider(cfg.Model.FallbackProvider, cfg.Model.FallbackAPIKey); {
		case err != nil:
			errs = append(errs, fmt.Errorf("model fallback: %w", err))
		case cfg.Model.FallbackProvider == cfg.Model.Provider:
			errs = append(errs, errors.New("model: fallback_provider must differ from provider"))
		}
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 1 {
		errs = append(errs, fmt.Errorf("model: temperature must be between 0 and 1, got %f", cfg.Model.Temperature))
	}
	if cfg.Usage.StepsPerSession < 0 {
		errs = append(errs, errors.New("usage: steps_per_session cannot be negative"))
	}
	if err := v.ValidateSchedule(cfg.Usage.ResetSchedule); err != nil {
		errs = append(errs, fmt.Errorf("usage: %w", err))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing: sample_ratio must be between 0 and 1"))
	}

	return errs
}

// Validate returns the joined validation errors, or nil.
func Validate(cfg *Config) error {
	return errors.Join(NewValidator().ValidateConfig(cfg)...)
}

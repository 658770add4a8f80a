package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, NewValidator().ValidateConfig(cfg))
	assert.Equal(t, 60*time.Second, cfg.Switchboard.ClientToolTimeout())
	assert.Equal(t, time.Second, cfg.Agent.RetryBaseDelay())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, 4242, cfg.Switchboard.Port)
	assert.Equal(t, "codebuff", cfg.Registry.DefaultPublisher)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "agents"), cfg.Registry.AgentsDir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentgate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"switchboard": {"port": 9000, "shared_secret": "s3cret"},
		"usage": {"steps_per_session": 12},
		"data_dir": "`+dir+`"
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Switchboard.Port)
	assert.Equal(t, "s3cret", cfg.Switchboard.SharedSecret)
	assert.Equal(t, 12, cfg.Usage.StepsPerSession)
	assert.Equal(t, 60, cfg.Switchboard.ClientToolTimeoutSec, "unset keys keep defaults")
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AGENTGATE_SWITCHBOARD_PORT", "7777")
	t.Setenv("AGENTGATE_DATA_DIR", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Switchboard.Port)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("provider", func(t *testing.T) {
		assert.NoError(t, v.ValidateProvider("anthropic", ""))
		assert.NoError(t, v.ValidateProvider("openai", "sk-abc"))
		assert.Error(t, v.ValidateProvider("anthropic", "sk-abc"))
		assert.Error(t, v.ValidateProvider("gemini", ""))
	})

	t.Run("schedule", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("@daily"))
		assert.NoError(t, v.ValidateSchedule("0 0 * * *"))
		assert.NoError(t, v.ValidateSchedule(""))
		assert.Error(t, v.ValidateSchedule("every day"))
	})

	t.Run("fallback provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Model.FallbackProvider = "openai"
		assert.Empty(t, v.ValidateConfig(cfg))

		cfg.Model.FallbackProvider = "anthropic"
		assert.Len(t, v.ValidateConfig(cfg), 1)

		cfg.Model.FallbackProvider = "gemini"
		assert.Len(t, v.ValidateConfig(cfg), 1)
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Switchboard.Port = 0
		cfg.Agent.DefaultStepBudget = 0
		cfg.Logging.Level = "verbose"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 3)
		assert.Error(t, Validate(cfg))
	})
}

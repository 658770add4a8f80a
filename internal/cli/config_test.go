package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigShow_RedactsSecrets(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"switchboard": map[string]interface{}{"shared_secret": "hunter2"},
		"model":       map[string]interface{}{"provider": "anthropic", "api_key": "sk-ant-secret"},
	})

	out, err := executeCommand(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-ant-secret")
	assert.Contains(t, out, redacted)
}

func TestConfigValidate(t *testing.T) {
	out, err := executeCommand(t, "config", "validate", "--config", writeConfig(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	bad := writeConfig(t, map[string]interface{}{
		"switchboard": map[string]interface{}{"port": 70000},
	})
	_, err = executeCommand(t, "config", "validate", "--config", bad)
	assert.Error(t, err)
}

func TestConfigValidate_LogLevelFlagOverrides(t *testing.T) {
	_, err := executeCommand(t, "config", "validate", "--log-level", "verbose", "--config", writeConfig(t, nil))
	assert.Error(t, err)
}

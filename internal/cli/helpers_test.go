package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and restores flag defaults afterwards.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	resetFlags(cmd)
	return output.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig writes a config file rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()

	dir := t.TempDir()
	cfg := map[string]interface{}{
		"data_dir": dir,
		"registry": map[string]interface{}{
			"agents_dir": filepath.Join(dir, "agents"),
			"watch":      false,
		},
		"logging": map[string]interface{}{
			"level":      "info",
			"audit_file": filepath.Join(dir, "audit.log"),
		},
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "agentgate.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

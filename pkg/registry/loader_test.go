package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitionsYAML = `
agents:
  - id: reviewer
    version: 1.0.0
    tool_names: [read_files, end_turn]
    system_prompt: Review diffs.
    step_budget: 5
    input_schema:
      type: object
      required: [diff]
      properties:
        diff:
          type: string
  - id: researcher
    tool_names: [read_files]
    steps:
      - kind: tool
        tool: read_files
        input:
          paths: [README.md]
      - kind: step_all
`

func TestLoadDefinitions_YAMLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitionsYAML), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "reviewer", defs[0].ID)
	assert.Equal(t, 5, defs[0].StepBudget)
	assert.Equal(t, "object", defs[0].InputSchema["type"])

	require.Len(t, defs[1].Steps, 2)
	assert.Equal(t, StepTool, defs[1].Steps[0].Kind)
	assert.Equal(t, "read_files", defs[1].Steps[0].Tool)
	assert.Equal(t, StepAll, defs[1].Steps[1].Kind)
}

func TestLoadDefinitions_DirectoryOfSingleDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"),
		[]byte(`{"id":"alpha","tool_names":["read_files"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"),
		[]byte("id: beta\ntool_names: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, []string{defs[0].ID, defs[1].ID})
}

func TestLoadDefinitions_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDefinitions("")
	assert.Error(t, err)

	txt := filepath.Join(dir, "agents.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	_, err = LoadDefinitions(txt)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agents:\n  - id: Bad Id\n"), 0o644))
	_, err = LoadDefinitions(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     AgentDefinition
		wantErr bool
	}{
		{"minimal", AgentDefinition{ID: "ok"}, false},
		{"missing id", AgentDefinition{}, true},
		{"bad version", AgentDefinition{ID: "ok", Version: "one"}, true},
		{"negative budget", AgentDefinition{ID: "ok", StepBudget: -1}, true},
		{"unknown step kind", AgentDefinition{ID: "ok", Steps: []StepInstruction{{Kind: "yield"}}}, true},
		{"tool step outside tool set", AgentDefinition{ID: "ok", Steps: []StepInstruction{{Kind: StepTool, Tool: "rm"}}}, true},
		{"bad schema", AgentDefinition{ID: "ok", InputSchema: map[string]interface{}{"type": 12}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.def)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInput(t *testing.T) {
	def := &AgentDefinition{
		ID: "reviewer",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"diff"},
			"properties": map[string]interface{}{
				"diff": map[string]interface{}{"type": "string"},
			},
		},
	}

	assert.NoError(t, ValidateInput(def, map[string]interface{}{"diff": "+x"}))
	assert.Error(t, ValidateInput(def, map[string]interface{}{"diff": 3}))
	assert.Error(t, ValidateInput(def, nil))
	assert.NoError(t, ValidateInput(&AgentDefinition{ID: "open"}, nil))
}

func TestParseLocalDefinitions(t *testing.T) {
	local, err := ParseLocalDefinitions([]json.RawMessage{
		json.RawMessage(`{"id":"my-helper","tool_names":["read_files"]}`),
	})
	require.NoError(t, err)
	require.Contains(t, local, "my-helper")

	_, err = ParseLocalDefinitions([]json.RawMessage{json.RawMessage(`{"tool_names":[]}`)})
	assert.Error(t, err)
}

package registry

// Builtins returns the definitions compiled into the process.
func Builtins() []*AgentDefinition {
	return []*AgentDefinition{
		{
			ID:           "base",
			Version:      "1.0.0",
			DisplayName:  "Base",
			ToolNames:    []string{"read_files", "write_file", "run_terminal_command", "add_message", "end_turn"},
			SystemPrompt: "You are a coding assistant working inside the user's project.",
			StepBudget:   25,
		},
		{
			ID:           "file-explorer",
			Version:      "1.0.0",
			DisplayName:  "File Explorer",
			ToolNames:    []string{"read_files", "end_turn"},
			SystemPrompt: "You read files and summarize what you find.",
			StepBudget:   10,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"paths": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
				},
			},
			Steps: []StepInstruction{
				{Kind: StepTool, Tool: "read_files"},
				{Kind: StepAll},
			},
		},
	}
}

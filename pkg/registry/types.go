package registry

import (
	"errors"
	"fmt"
	"time"
)

// StepKind selects how the step loop interprets one scripted instruction.
type StepKind string

const (
	// StepTool dispatches a fixed tool call without calling the model.
	StepTool StepKind = "tool"
	// StepModel performs exactly one model call.
	StepModel StepKind = "step"
	// StepAll keeps calling the model until it answers with final text.
	StepAll StepKind = "step_all"
)

// StepInstruction is one entry of a scripted agent's step program.
type StepInstruction struct {
	Kind  StepKind               `json:"kind" yaml:"kind"`
	Tool  string                 `json:"tool,omitempty" yaml:"tool,omitempty"`
	Input map[string]interface{} `json:"input,omitempty" yaml:"input,omitempty"`
}

// AgentDefinition is an immutable agent template. Values returned by a Registry
// are shared and must not be modified.
type AgentDefinition struct {
	ID           string                 `json:"id" yaml:"id"`
	Publisher    string                 `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Version      string                 `json:"version,omitempty" yaml:"version,omitempty"`
	DisplayName  string                 `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Model        string                 `json:"model,omitempty" yaml:"model,omitempty"`
	ToolNames    []string               `json:"tool_names" yaml:"tool_names"`
	SystemPrompt string                 `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Instructions string                 `json:"instructions_prompt,omitempty" yaml:"instructions_prompt,omitempty"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	StepBudget   int                    `json:"step_budget,omitempty" yaml:"step_budget,omitempty"`
	Steps        []StepInstruction      `json:"steps,omitempty" yaml:"steps,omitempty"`
	PublishedAt  time.Time              `json:"published_at,omitempty" yaml:"published_at,omitempty"`
}

// FullID returns "publisher/id@version", omitting the parts that are empty.
func (d *AgentDefinition) FullID() string {
	id := d.ID
	if d.Publisher != "" {
		id = d.Publisher + "/" + id
	}
	if d.Version != "" {
		id += "@" + d.Version
	}
	return id
}

// AllowsTool reports whether name is in the definition's declared tool set.
func (d *AgentDefinition) AllowsTool(name string) bool {
	for _, t := range d.ToolNames {
		if t == name {
			return true
		}
	}
	return false
}

// VersionInfo describes one published version of an agent.
type VersionInfo struct {
	Version     string
	PublishedAt time.Time
}

// ErrNotFound is returned by sources for unknown agents or versions.
var ErrNotFound = errors.New("agent not found")

// NotFoundError reports an identifier that could not be resolved.
type NotFoundError struct {
	Identifier string
	Err        error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrNotFound) {
		return fmt.Sprintf("agent %q not found: %v", e.Identifier, e.Err)
	}
	return fmt.Sprintf("agent %q not found", e.Identifier)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err == nil {
		return ErrNotFound
	}
	return e.Err
}

// IsNotFound reports whether err is (or wraps) a NotFoundError or ErrNotFound.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, ErrNotFound)
}

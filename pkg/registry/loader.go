package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// definitionsFile is the on-disk layout for a set of definitions.
type definitionsFile struct {
	Agents []AgentDefinition `json:"agents" yaml:"agents"`
}

// LoadDefinitions loads and validates agent definitions from a JSON or YAML file.
// The file holds either an "agents" list or a single definition. When path is a
// directory every .json, .yaml and .yml file directly inside it is loaded.
func LoadDefinitions(path string) ([]*AgentDefinition, error) {
	if path == "" {
		return nil, fmt.Errorf("definitions path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat definitions path: %w", err)
	}

	if !info.IsDir() {
		return loadDefinitionsFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}

	var defs []*AgentDefinition
	for _, entry := range entries {
		if entry.IsDir() || formatOf(entry.Name()) == "" {
			continue
		}
		loaded, err := loadDefinitionsFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

func loadDefinitionsFile(path string) ([]*AgentDefinition, error) {
	format := formatOf(path)
	if format == "" {
		return nil, fmt.Errorf("unsupported definitions file format: %s (supported: .json, .yaml, .yml)", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	var file definitionsFile
	if err := unmarshal(data, format, &file); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if len(file.Agents) == 0 {
		def, err := ParseDefinition(data, format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*AgentDefinition{def}, nil
	}

	defs := make([]*AgentDefinition, 0, len(file.Agents))
	for i := range file.Agents {
		def := file.Agents[i]
		if err := Validate(&def); err != nil {
			return nil, fmt.Errorf("%s: agent %d: %w", path, i, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// ParseDefinition decodes and validates a single definition. format is "json" or "yaml".
func ParseDefinition(data []byte, format string) (*AgentDefinition, error) {
	var def AgentDefinition
	if err := unmarshal(data, format, &def); err != nil {
		return nil, err
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseLocalDefinitions decodes session-local definitions sent by a client,
// keyed by agent id.
func ParseLocalDefinitions(raw []json.RawMessage) (map[string]*AgentDefinition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	local := make(map[string]*AgentDefinition, len(raw))
	for i, r := range raw {
		def, err := ParseDefinition(r, "json")
		if err != nil {
			return nil, fmt.Errorf("local agent %d: %w", i, err)
		}
		local[def.ID] = def
	}
	return local, nil
}

// Validate checks a definition for structural errors.
func Validate(def *AgentDefinition) error {
	var errs []error

	switch {
	case def.ID == "":
		errs = append(errs, errors.New("id is required"))
	case !idPattern.MatchString(def.ID):
		errs = append(errs, fmt.Errorf("invalid id %q: use lowercase letters, digits, '-' and '_'", def.ID))
	}

	if def.Version != "" {
		if _, err := semver.NewVersion(def.Version); err != nil {
			errs = append(errs, fmt.Errorf("invalid version %q: %w", def.Version, err))
		}
	}

	if def.StepBudget < 0 {
		errs = append(errs, fmt.Errorf("step_budget must be >= 0, got %d", def.StepBudget))
	}

	for i, step := range def.Steps {
		switch step.Kind {
		case StepModel, StepAll:
		case StepTool:
			if step.Tool == "" {
				errs = append(errs, fmt.Errorf("steps[%d]: tool step needs a tool name", i))
			} else if !def.AllowsTool(step.Tool) {
				errs = append(errs, fmt.Errorf("steps[%d]: tool %q is not in tool_names", i, step.Tool))
			}
		default:
			errs = append(errs, fmt.Errorf("steps[%d]: unknown kind %q", i, step.Kind))
		}
	}

	if def.InputSchema != nil {
		if _, err := compileSchema(def.InputSchema); err != nil {
			errs = append(errs, fmt.Errorf("input_schema: %w", err))
		}
	}
	if def.OutputSchema != nil {
		if _, err := compileSchema(def.OutputSchema); err != nil {
			errs = append(errs, fmt.Errorf("output_schema: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid agent definition %q: %w", def.ID, errors.Join(errs...))
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}

func unmarshal(data []byte, format string, v interface{}) error {
	switch format {
	case "json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse JSON definition: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse YAML definition: %w", err)
		}
	default:
		return fmt.Errorf("unsupported definition format %q", format)
	}
	return nil
}

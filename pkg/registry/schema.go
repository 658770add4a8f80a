package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

func compileSchema(schema map[string]interface{}) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}

// ValidateInput checks run params against the definition's input schema.
// Definitions without a schema accept anything.
func ValidateInput(def *AgentDefinition, params map[string]interface{}) error {
	if def == nil || def.InputSchema == nil {
		return nil
	}

	schema, err := compileSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", def.ID, err)
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("validate params: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("params do not match input schema of %s: %s", def.ID, strings.Join(msgs, "; "))
}

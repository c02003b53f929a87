package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stagehand/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for Workflow definitions submitted
// over the wire. Embedded as a constant to avoid filesystem dependencies.
// Index arithmetic (back-references only, placeholder refs within depends_on)
// is beyond JSON Schema and lives in the semantic pass.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagehand.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "is_public": { "type": "boolean" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "instructions"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "description": { "type": "string" },
        "agent_id": { "type": "string" },
        "agent_role": { "type": "string" },
        "instructions": {
          "type": "string",
          "minLength": 1
        },
        "depends_on": {
          "type": "array",
          "items": {
            "type": "integer",
            "minimum": 0
          }
        },
        "expected_output": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// DefinitionValidator validates workflow definitions before they are
// persisted. Safe for concurrent use.
type DefinitionValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewDefinitionValidator creates a DefinitionValidator with the workflow
// schema pre-compiled.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://stagehand.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://stagehand.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &DefinitionValidator{workflowSchema: compiled}, nil
}

// ValidateJSON checks a raw workflow document against the JSON Schema, then
// decodes it and runs the semantic pass. Returns the decoded workflow on
// success.
func (v *DefinitionValidator) ValidateJSON(raw json.RawMessage) (*schema.Workflow, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate runs the semantic pass on an already-decoded workflow.
func Validate(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}
	return validateSemantic(wf).ToError()
}

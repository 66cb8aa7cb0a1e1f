package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftlabs/weft/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weftlabs.dev/schemas/workflow.json",
  "type": "object",
  "required": ["workflow_id", "start_at", "states"],
  "properties": {
    "workflow_id": {
      "type": "string",
      "minLength": 1
    },
    "version": { "type": "string" },
    "start_at": {
      "type": "string",
      "minLength": 1
    },
    "states": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": { "pattern": "^[A-Za-z][A-Za-z0-9_.-]*$" },
      "additionalProperties": { "$ref": "#/$defs/state" }
    },
    "imports": {
      "type": "array",
      "items": { "$ref": "#/$defs/import" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["task", "parallel", "choice", "wait", "pass", "fail", "succeed"]
        },
        "comment": { "type": "string" },
        "capability_bindings": {
          "type": "array",
          "items": { "$ref": "#/$defs/binding" }
        },
        "parameters": {},
        "result_path": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout_seconds": {
          "type": "integer",
          "minimum": 1
        },
        "next": { "type": "string" },
        "end": { "type": "boolean" },
        "branches": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/branch" }
        },
        "wait_seconds": {
          "type": "integer",
          "minimum": 1
        },
        "error": { "type": "string" },
        "cause": { "type": "string" }
      },
      "additionalProperties": false
    },
    "binding": {
      "type": "object",
      "properties": {
        "ref": { "type": "string", "minLength": 1 },
        "query": { "type": "string", "minLength": 1 }
      },
      "oneOf": [
        { "required": ["ref"] },
        { "required": ["query"] }
      ],
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["next"],
      "properties": {
        "when": { "type": "string" },
        "next": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay_ms": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "import": {
      "type": "object",
      "required": ["alias", "ref"],
      "properties": {
        "alias": {
          "type": "string",
          "pattern": "^[a-z][a-z0-9_]*$"
        },
        "ref": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// descriptorSchemaJSON is the JSON Schema for CapabilityDescriptor validation.
const descriptorSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weftlabs.dev/schemas/descriptor.json",
  "type": "object",
  "required": ["manifest_id", "required_tools"],
  "properties": {
    "manifest_id": {
      "type": "string",
      "pattern": "^.+@.+$"
    },
    "directives": { "type": "string" },
    "required_tools": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/tool" }
    },
    "required_data_sources": {
      "type": "array",
      "items": { "type": "string" }
    },
    "permissions": { "$ref": "#/$defs/permissions" },
    "providers": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/provider" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "tool": {
      "type": "object",
      "required": ["name", "binding"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "schema": {},
        "binding": {
          "type": "string",
          "enum": ["builtin", "mcp"]
        },
        "target": { "type": "string" }
      },
      "additionalProperties": false
    },
    "permissions": {
      "type": "object",
      "properties": {
        "egress": {
          "type": "string",
          "enum": ["none", "intranet", "internet"]
        },
        "secret_refs": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "provider": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "command": {
          "type": "string",
          "minLength": 1
        },
        "args": {
          "type": "array",
          "items": { "type": "string" }
        },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema   *jsonschema.Schema
	descriptorSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with both static schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wfSchema, err := compileStatic("https://weftlabs.dev/schemas/workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	descSchema, err := compileStatic("https://weftlabs.dev/schemas/descriptor.json", descriptorSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("descriptor schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema:   wfSchema,
		descriptorSchema: descSchema,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

func compileStatic(url, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toWeftError(err)
	}
	return nil
}

// ValidateDescriptor validates a CapabilityDescriptor against the descriptor
// JSON Schema, then runs the descriptor's own structural checks (duplicate
// tool names, mcp targets resolving to providers).
func (v *JSONSchemaValidator) ValidateDescriptor(desc *schema.CapabilityDescriptor) error {
	if desc == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability descriptor is nil")
	}

	doc, err := toJSONValue(desc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize descriptor").WithCause(err)
	}

	if err := v.descriptorSchema.Validate(doc); err != nil {
		return toWeftError(err)
	}

	return desc.Validate()
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toWeftError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("weft://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toWeftError converts a jsonschema.ValidationError into a WeftError with
// per-location violation messages.
func toWeftError(err error) *schema.WeftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

package validation

import "github.com/weftlabs/weft/pkg/schema"

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (transition forms, type rules, binding refs, targets)
// 3. Graph (cycles, reachability, terminal reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExprChecker
}

// NewWorkflowValidator creates a WorkflowValidator. checker may be nil to
// skip branch condition compilation checks.
func NewWorkflowValidator(checker ExprChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		exprs:      checker,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.exprs))

	// Graph analysis needs valid targets, so skip it on semantic errors.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateDescriptor delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateDescriptor(desc *schema.CapabilityDescriptor) error {
	return wv.jsonSchema.ValidateDescriptor(desc)
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	werr, ok := err.(*schema.WeftError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if werr.Details != nil {
		if violations, ok := werr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, werr.Message)
	return result
}

package validation

import "github.com/weftlabs/weft/pkg/schema"

// Validator checks definitions and descriptors before anything touches the
// control plane. Structural checks use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateDescriptor(desc *schema.CapabilityDescriptor) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExprChecker reports whether a branch condition expression compiles. The
// compiler wires the CEL engine in here; nil skips expression checks.
type ExprChecker interface {
	Check(expr string) error
}

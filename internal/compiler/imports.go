package compiler

import (
	"context"

	"github.com/weftlabs/weft/pkg/schema"
)

// maxImportDepth bounds recursive import resolution. Cyclic imports are
// rejected by the ref stack; the depth cap guards against degenerate chains.
const maxImportDepth = 16

// resolveImports inlines every import of def into a new definition whose
// states carry alias-prefixed names. The input is never mutated. Definitions
// without imports pass through unchanged.
func (c *Compiler) resolveImports(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if len(def.Imports) == 0 {
		return def, nil
	}
	if c.resolver == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s declares imports but no definition resolver is configured", def.WorkflowID)
	}

	merged := &schema.WorkflowDefinition{
		WorkflowID: def.WorkflowID,
		Version:    def.Version,
		StartAt:    def.StartAt,
		States:     make(map[string]schema.StateDefinition, len(def.States)),
		Metadata:   def.Metadata,
	}
	for name, state := range def.States {
		merged.States[name] = state
	}

	seen := make(map[string]bool, len(def.Imports))
	for _, imp := range def.Imports {
		if seen[imp.Alias] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate import alias %q", imp.Alias)
		}
		seen[imp.Alias] = true

		if err := c.inlineImport(ctx, merged, imp, []string{def.WorkflowID}); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// inlineImport resolves one import ref and merges its states into dst under
// the alias prefix. Nested imports recurse with the ref pushed onto the
// resolution stack for cycle detection.
func (c *Compiler) inlineImport(ctx context.Context, dst *schema.WorkflowDefinition, imp schema.ImportRef, stack []string) error {
	for _, ref := range stack {
		if ref == imp.Ref {
			return schema.NewErrorf(schema.ErrCodeValidation, "cyclic import of %q via %v", imp.Ref, stack)
		}
	}
	if len(stack) > maxImportDepth {
		return schema.NewErrorf(schema.ErrCodeValidation, "import chain exceeds depth %d at %q", maxImportDepth, imp.Ref)
	}

	sub, err := c.resolver.ResolveDefinition(ctx, imp.Ref)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "import %q (alias %s) did not resolve", imp.Ref, imp.Alias).WithCause(err)
	}
	if sub == nil || len(sub.States) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "import %q (alias %s) resolved to an empty definition", imp.Ref, imp.Alias)
	}

	// Depth-first: a fragment's own imports inline into the fragment before
	// its states are prefixed, so nested names become "alias.child.state".
	flat := sub
	if len(sub.Imports) > 0 {
		flat = &schema.WorkflowDefinition{
			WorkflowID: sub.WorkflowID,
			States:     make(map[string]schema.StateDefinition, len(sub.States)),
		}
		for name, state := range sub.States {
			flat.States[name] = state
		}
		childStack := append(append([]string(nil), stack...), imp.Ref)
		for _, child := range sub.Imports {
			if err := c.inlineImport(ctx, flat, child, childStack); err != nil {
				return err
			}
		}
	}

	for name, state := range flat.States {
		qualified := imp.Alias + "." + name
		if _, exists := dst.States[qualified]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "import %q collides with existing state %q", imp.Ref, qualified)
		}
		dst.States[qualified] = prefixTransitions(state, imp.Alias)
	}

	return nil
}

// prefixTransitions rewrites a state's internal transition targets to their
// alias-qualified names. Terminal markers pass through untouched.
func prefixTransitions(state schema.StateDefinition, alias string) schema.StateDefinition {
	if state.Next != "" {
		state.Next = alias + "." + state.Next
	}
	if len(state.Branches) > 0 {
		branches := make([]schema.Branch, len(state.Branches))
		for i, b := range state.Branches {
			b.Next = alias + "." + b.Next
			branches[i] = b
		}
		state.Branches = branches
	}
	return state
}

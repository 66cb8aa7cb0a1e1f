package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/weftlabs/weft/internal/validation"
	"github.com/weftlabs/weft/pkg/schema"
)

// DefinitionResolver resolves an import ref to a published workflow
// definition. Implementations typically read the definition catalog.
type DefinitionResolver interface {
	ResolveDefinition(ctx context.Context, ref string) (*schema.WorkflowDefinition, error)
}

// Compiler turns workflow definitions into executable plans. Compilation is
// pure apart from import resolution: the input definition is never mutated
// and no control-plane state is touched.
type Compiler struct {
	structural *validation.JSONSchemaValidator
	full       *validation.WorkflowValidator
	resolver   DefinitionResolver
}

// New creates a compiler. resolver may be nil when definitions never use
// imports; checker may be nil to skip condition compilation checks.
func New(resolver DefinitionResolver, checker validation.ExprChecker) (*Compiler, error) {
	structural, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	full, err := validation.NewWorkflowValidator(checker)
	if err != nil {
		return nil, err
	}
	return &Compiler{structural: structural, full: full, resolver: resolver}, nil
}

// Compile validates def, inlines its imports, and builds the executable plan.
// The raw definition is checked against the JSON Schema first so import
// aliases and state shapes are well-formed before any merging; the merged
// result then goes through the full validation pipeline.
func (c *Compiler) Compile(ctx context.Context, def *schema.WorkflowDefinition) (*ExecutablePlan, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if err := c.structural.ValidateDefinition(def); err != nil {
		return nil, err
	}

	merged, err := c.resolveImports(ctx, def)
	if err != nil {
		return nil, err
	}

	if err := c.full.Validate(merged).ToError(); err != nil {
		return nil, err
	}

	return buildPlan(merged)
}

// buildPlan derives the dependency graph, topological order, and canonical
// hash from a merged, validated definition.
func buildPlan(def *schema.WorkflowDefinition) (*ExecutablePlan, error) {
	upstream := make(map[string][]string, len(def.States))
	downstream := make(map[string][]string, len(def.States))

	for name, state := range def.States {
		for _, target := range state.Targets() {
			downstream[name] = append(downstream[name], target)
			upstream[target] = append(upstream[target], name)
		}
	}

	deps := make(map[string]Deps, len(def.States))
	for name := range def.States {
		up := append([]string(nil), upstream[name]...)
		down := append([]string(nil), downstream[name]...)
		sort.Strings(up)
		sort.Strings(down)
		deps[name] = Deps{Upstream: up, Downstream: down}
	}

	// Kahn's algorithm for the topological order. Validation already rejected
	// cycles; a leftover here means the pipeline has a bug.
	inDegree := make(map[string]int, len(def.States))
	for name := range def.States {
		inDegree[name] = len(deps[name].Upstream)
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	roots := make([]string, len(queue))
	copy(roots, queue)

	sorted := make([]string, 0, len(def.States))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, next := range deps[node].Downstream {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(def.States) {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "plan build left %d states unsorted", len(def.States)-len(sorted))
	}

	hash, err := canonicalHash(def)
	if err != nil {
		return nil, err
	}

	states := make(map[string]schema.StateDefinition, len(def.States))
	for name, state := range def.States {
		states[name] = state
	}

	return &ExecutablePlan{
		WorkflowID: def.WorkflowID,
		Version:    def.Version,
		StartAt:    def.StartAt,
		States:     states,
		Deps:       deps,
		Sorted:     sorted,
		Roots:      roots,
		Levels:     computeLevels(sorted, deps),
		Hash:       hash,
	}, nil
}

// computeLevels groups states by topological depth. States in the same level
// have every upstream satisfied by earlier levels, so they can run in
// parallel.
func computeLevels(sorted []string, deps map[string]Deps) [][]string {
	depth := make(map[string]int, len(sorted))
	maxLevel := 0
	for _, name := range sorted {
		d := 0
		for _, up := range deps[name].Upstream {
			if depth[up]+1 > d {
				d = depth[up] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// canonicalHash computes the SHA-256 of the merged definition's JSON
// encoding. Map keys marshal in sorted order, so equal graphs hash equal
// regardless of declaration order, and a drifted import hashes differently
// even under the same ref.
func canonicalHash(def *schema.WorkflowDefinition) (string, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeInternal, "failed to hash plan").WithCause(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/secrets"
	"github.com/weftlabs/weft/pkg/schema"
)

// Interpolator resolves ${{...}} references in state parameters before
// execution. Reference namespaces:
//
//	states.<name>.output[.field...]  — upstream envelope data
//	input.<field...>                 — workflow input
//	workflow.<field...>              — workflow metadata
//	secrets.<KEY>                    — vault lookup
//	jq: <expression>                 — gojq mapping over the whole scope
//
// Resolution is two-pass: everything except secrets first, secrets last, so
// secret values never feed back into further expansion.
type Interpolator struct {
	vault secrets.Vault
	jq    *GoJQEngine
}

// NewInterpolator creates an Interpolator. vault may be nil when no secret
// references are expected; resolving secrets.* without one fails.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault, jq: NewGoJQEngine()}
}

// Resolve interpolates raw JSON parameters against the scope. The scope is
// snapshotted once so both passes see identical data.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	vars := scope.Vars()

	resolved, err := interp.resolvePass(ctx, string(raw), vars, false)
	if err != nil {
		return nil, err
	}

	resolved, err = interp.resolvePass(ctx, resolved, vars, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// resolvePass scans for ${{...}} tokens and resolves them. The first pass
// resolves everything except secrets.* and leaves secret tokens untouched;
// the second pass resolves only secrets.*.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, vars map[string]any, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")
		if secretPass != isSecret {
			// Not this pass's kind — write the token back unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, vars)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// resolveExpr resolves a single reference like "states.fetch.output.url".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, vars map[string]any) (any, error) {
	if rest, ok := strings.CutPrefix(expr, "jq:"); ok {
		return interp.resolveJQ(ctx, strings.TrimSpace(rest), vars)
	}

	namespace, _, _ := strings.Cut(expr, ".")
	switch namespace {
	case "states":
		return interp.resolveStates(expr, vars)
	case "input":
		return interp.resolveScoped(expr, vars, "input")
	case "workflow":
		return interp.resolveScoped(expr, vars, "workflow")
	case "secrets":
		return interp.resolveSecret(ctx, expr)
	default:
		available := []string{"states", "input", "workflow", "secrets", "jq:"}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveJQ evaluates a jq mapping over the full scope. The scope namespaces
// form the root object, so expressions read like .states.fetch | keys.
func (interp *Interpolator) resolveJQ(ctx context.Context, expr string, vars map[string]any) (any, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq mapping: ${{jq: }}")
	}
	return interp.jq.Evaluate(ctx, expr, vars)
}

// resolveStates resolves states.<name>.output[.field...] references. State
// names may contain dots (import-qualified names), so the name is matched
// against the registered states longest-first rather than split blindly.
func (interp *Interpolator) resolveStates(expr string, vars map[string]any) (any, error) {
	states, _ := vars["states"].(map[string]any)

	rest := strings.TrimPrefix(expr, "states.")
	if rest == "" || rest == expr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid state reference %q: expected states.<name>.output[.field]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	name, tail, found := matchStateRef(rest, states)
	if !found {
		idx := strings.Index(rest, ".output")
		if idx == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid state reference %q: expected states.<name>.output[.field]", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		guess := rest[:idx]
		available := mapKeys(states)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"state %q not found in ${{%s}}; available states: [%s]", guess, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_states": available})
	}

	output := states[name]
	if tail == "" {
		return output, nil
	}
	return traversePath(output, tail, expr)
}

// matchStateRef finds the longest registered state name such that rest is
// "<name>.output" or "<name>.output.<tail>". Returns the state name and the
// field tail after ".output.".
func matchStateRef(rest string, states map[string]any) (name, tail string, found bool) {
	for candidate := range states {
		var t string
		switch {
		case rest == candidate+".output":
			t = ""
		case strings.HasPrefix(rest, candidate+".output."):
			t = rest[len(candidate)+len(".output."):]
		default:
			continue
		}
		if !found || len(candidate) > len(name) {
			name, tail, found = candidate, t, true
		}
	}
	return name, tail, found
}

// resolveScoped resolves input.<path> and workflow.<path> references.
func (interp *Interpolator) resolveScoped(expr string, vars map[string]any, namespace string) (any, error) {
	_, fieldPath, _ := strings.Cut(expr, ".")
	if fieldPath == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	data, _ := vars[namespace].(map[string]any)
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct key first, so keys containing dots resolve without traversal.
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, expr)
}

// resolveSecret resolves secrets.<KEY> via the vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	_, key, _ := strings.Cut(expr, ".")
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	return string(val), nil
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline JSON
// representation. Strings embed without extra quotes so references inside
// string literals concatenate naturally; complex values JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys of a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether a JSON blob contains ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

package validation

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

// validateSemantic performs the per-state analysis JSON Schema cannot express:
// transition-form exclusivity, type-specific field rules, capability binding
// shape, branch condition rules, target references.
func validateSemantic(def *schema.WorkflowDefinition, exprs ExprChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, ok := def.States[def.StartAt]; !ok {
		result.AddErrorf("start_at", schema.ErrCodeValidation,
			"start_at references non-existent state %q", def.StartAt)
	}

	seenAliases := make(map[string]bool, len(def.Imports))
	for i, imp := range def.Imports {
		path := fmt.Sprintf("imports[%d]", i)
		if seenAliases[imp.Alias] {
			result.AddErrorf(path+".alias", schema.ErrCodeValidation,
				"duplicate import alias %q", imp.Alias)
		}
		seenAliases[imp.Alias] = true
	}

	for name, state := range def.States {
		validateStateSemantic(name, state, def, exprs, result)
	}

	return result
}

func validateStateSemantic(name string, state schema.StateDefinition, def *schema.WorkflowDefinition, exprs ExprChecker, result *schema.ValidationResult) {
	path := "states." + name

	// Transition form rules.
	switch state.Type {
	case schema.StateTypeSucceed, schema.StateTypeFail:
		if state.Next != "" || len(state.Branches) > 0 {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"%s state cannot have next or branches", state.Type)
		}
		if state.Type == schema.StateTypeFail && state.Error == "" {
			result.AddError(path+".error", schema.ErrCodeValidation,
				"fail state requires an error name")
		}
	default:
		if forms := state.TransitionForms(); forms != 1 {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"state must declare exactly one of next, end, or branches (found %d)", forms)
		}
	}

	// Branches belong to parallel and choice only.
	if len(state.Branches) > 0 && state.Type != schema.StateTypeParallel && state.Type != schema.StateTypeChoice {
		result.AddErrorf(path+".branches", schema.ErrCodeValidation,
			"%s state cannot have branches", state.Type)
	}

	// Type-specific field rules.
	switch state.Type {
	case schema.StateTypeTask:
		if len(state.CapabilityBindings) == 0 {
			result.AddError(path+".capability_bindings", schema.ErrCodeValidation,
				"task state requires at least one capability binding")
		}
		for j, b := range state.CapabilityBindings {
			if b.Ref != "" {
				if _, _, err := schema.ParseManifestID(b.Ref); err != nil {
					result.AddErrorf(fmt.Sprintf("%s.capability_bindings[%d].ref", path, j),
						schema.ErrCodeValidation, "malformed manifest ref %q: expected name@version", b.Ref)
				}
			}
		}

	case schema.StateTypeWait:
		if state.WaitSeconds <= 0 {
			result.AddError(path+".wait_seconds", schema.ErrCodeValidation,
				"wait state requires wait_seconds >= 1")
		}

	case schema.StateTypeChoice:
		validateChoiceBranches(name, state, exprs, result)

	case schema.StateTypeParallel:
		for j, b := range state.Branches {
			if b.When != "" {
				result.AddErrorf(fmt.Sprintf("%s.branches[%d].when", path, j),
					schema.ErrCodeValidation, "parallel branches are unconditional; remove the when clause")
			}
		}
		if len(state.Branches) == 1 {
			result.AddWarning(path+".branches", schema.ErrCodeValidation,
				"parallel state with a single branch behaves like a plain transition")
		}
	}

	// Bindings outside task states do nothing.
	if state.Type != schema.StateTypeTask && len(state.CapabilityBindings) > 0 {
		result.AddErrorf(path+".capability_bindings", schema.ErrCodeValidation,
			"%s state cannot have capability bindings", state.Type)
	}

	if state.WaitSeconds > 0 && state.Type != schema.StateTypeWait {
		result.AddErrorf(path+".wait_seconds", schema.ErrCodeValidation,
			"wait_seconds is only valid on wait states")
	}

	// Target references.
	if state.Next != "" {
		if _, ok := def.States[state.Next]; !ok {
			result.AddErrorf(path+".next", schema.ErrCodeValidation,
				"references non-existent state %q", state.Next)
		}
	}
	for j, b := range state.Branches {
		if _, ok := def.States[b.Next]; !ok {
			result.AddErrorf(fmt.Sprintf("%s.branches[%d].next", path, j),
				schema.ErrCodeValidation, "references non-existent state %q", b.Next)
		}
	}

	// Result path addresses the scratch scope.
	if state.ResultPath != "" && !strings.HasPrefix(state.ResultPath, "$.") {
		result.AddErrorf(path+".result_path", schema.ErrCodeValidation,
			"result_path %q must start with $.", state.ResultPath)
	}

	// Retry sanity.
	if state.Retry != nil {
		if state.Type != schema.StateTypeTask {
			result.AddWarning(path+".retry", schema.ErrCodeValidation,
				"retry policy has no effect outside task states")
		}
		if state.Retry.MaxAttempts > 10 {
			result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry ceiling (%d) may cause excessive delays", state.Retry.MaxAttempts))
		}
	}
}

// validateChoiceBranches enforces the default-last rule and checks condition
// expressions when a checker is wired.
func validateChoiceBranches(name string, state schema.StateDefinition, exprs ExprChecker, result *schema.ValidationResult) {
	path := "states." + name + ".branches"

	for j, b := range state.Branches {
		branchPath := fmt.Sprintf("%s[%d]", path, j)
		if b.When == "" {
			// Only the final branch may omit when; it acts as the default.
			if j != len(state.Branches)-1 {
				result.AddError(branchPath+".when", schema.ErrCodeValidation,
					"only the last branch of a choice may omit when")
			}
			continue
		}
		if exprs != nil {
			if err := exprs.Check(b.When); err != nil {
				result.AddErrorf(branchPath+".when", schema.ErrCodeValidation,
					"condition does not compile: %v", err)
			}
		}
	}
}

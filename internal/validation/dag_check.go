package validation

import (
	"sort"

	"github.com/weftlabs/weft/pkg/schema"
)

// validateGraph performs transition-graph analysis: cycle detection (Kahn's
// algorithm), reachability from start_at, and terminal reachability.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// edges[name] = transition targets, skipping dangling refs (semantic
	// already reported those).
	edges := make(map[string][]string, len(def.States))
	for name, state := range def.States {
		for _, target := range state.Targets() {
			if _, ok := def.States[target]; !ok {
				continue
			}
			edges[name] = append(edges[name], target)
		}
	}

	// Kahn's algorithm. A state never drained from the queue sits on a cycle.
	inDegree := make(map[string]int, len(def.States))
	for name := range def.States {
		inDegree[name] = 0
	}
	for _, targets := range edges {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	queue := make([]string, 0, len(def.States))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range edges[node] {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if visited != len(def.States) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddErrorf("states", schema.ErrCodeValidation,
			"workflow contains a transition cycle through %v", cyclic)
		return result // reachability is meaningless with a cycle present
	}

	// Reachability: BFS forward from start_at.
	reachable := map[string]bool{}
	if _, ok := def.States[def.StartAt]; ok {
		reachable[def.StartAt] = true
		bfs := []string{def.StartAt}
		for len(bfs) > 0 {
			node := bfs[0]
			bfs = bfs[1:]
			for _, t := range edges[node] {
				if !reachable[t] {
					reachable[t] = true
					bfs = append(bfs, t)
				}
			}
		}
	}

	names := make([]string, 0, len(def.States))
	for name := range def.States {
		names = append(names, name)
	}
	sort.Strings(names)

	terminalReachable := false
	for _, name := range names {
		state := def.States[name]
		if !reachable[name] {
			result.AddErrorf("states."+name, schema.ErrCodeValidation,
				"state %q is unreachable from start_at", name)
			continue
		}
		if state.IsTerminal() {
			terminalReachable = true
		}
	}

	if !terminalReachable && len(reachable) > 0 {
		result.AddError("states", schema.ErrCodeValidation,
			"no terminal state is reachable from start_at")
	}

	return result
}

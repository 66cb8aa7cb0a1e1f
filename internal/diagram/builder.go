package diagram

import (
	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Build constructs a DiagramModel from a compiled plan and optional state
// records. With records present, each node gets a runtime status overlay and
// states cut off by resolved choices show as skipped.
func Build(plan *compiler.ExecutablePlan, records []*store.StateRecord) *DiagramModel {
	recMap := make(map[string]*store.StateRecord, len(records))
	for _, rec := range records {
		recMap[rec.State] = rec
	}
	var live map[string]bool
	if len(records) > 0 {
		live = notify.LiveSet(plan, records)
	}

	nodes := make([]*Node, 0, len(plan.Sorted)+2)
	nodes = append(nodes, &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart})
	for _, name := range plan.Sorted {
		node := &Node{
			ID:    name,
			Label: name,
			Kind:  stateTypeToKind(plan.States[name].Type),
		}
		overlayStatus(node, recMap[name], live)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  plan.WorkflowID,
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}
}

// stateTypeToKind converts a schema.StateType to a NodeKind.
func stateTypeToKind(st schema.StateType) NodeKind {
	switch st {
	case schema.StateTypeTask:
		return NodeKindTask
	case schema.StateTypeChoice:
		return NodeKindChoice
	case schema.StateTypeParallel:
		return NodeKindParallel
	case schema.StateTypeWait:
		return NodeKindWait
	case schema.StateTypePass:
		return NodeKindPass
	case schema.StateTypeFail:
		return NodeKindFail
	case schema.StateTypeSucceed:
		return NodeKindSucceed
	default:
		return NodeKindTask
	}
}

// overlayStatus applies a state record to a node. A blocked state outside the
// live set will never run, so it renders as skipped.
func overlayStatus(node *Node, rec *store.StateRecord, live map[string]bool) {
	if rec == nil {
		return
	}
	status := string(rec.Status)
	if live != nil && !live[rec.State] && !rec.Status.Terminal() {
		status = "skipped"
	}

	var durationMs int64
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		durationMs = rec.FinishedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	node.Status = &StatusOverlay{
		Status:     status,
		DurationMs: durationMs,
		Attempts:   rec.Attempts,
		Error:      rec.LastError,
	}
}

// buildEdges constructs the Edge list from the plan graph, adding virtual
// start/end edges. Choice arms carry their condition as the edge label.
func buildEdges(plan *compiler.ExecutablePlan) []Edge {
	var edges []Edge

	// Start → entry states.
	entries := map[string]bool{plan.StartAt: true}
	for _, root := range plan.Roots {
		entries[root] = true
	}
	for _, name := range plan.Sorted {
		if entries[name] {
			edges = append(edges, Edge{From: "__start__", To: name})
		}
	}

	for _, name := range plan.Sorted {
		def := plan.States[name]
		if def.Next != "" {
			edges = append(edges, Edge{From: name, To: def.Next})
			continue
		}
		for _, branch := range def.Branches {
			label := ""
			if def.Type == schema.StateTypeChoice {
				label = branchLabel(branch)
			}
			edges = append(edges, Edge{From: name, To: branch.Next, Label: label})
		}
	}

	// Terminals → end.
	for _, name := range plan.Terminals() {
		edges = append(edges, Edge{From: name, To: "__end__"})
	}
	return edges
}

// branchLabel shortens a branch condition for display.
func branchLabel(b schema.Branch) string {
	if b.When == "" {
		return "default"
	}
	if len(b.When) > 30 {
		return b.When[:27] + "..."
	}
	return b.When
}

// buildLevels wraps the plan's levels with virtual start/end levels.
func buildLevels(plan *compiler.ExecutablePlan) [][]string {
	levels := make([][]string, 0, len(plan.Levels)+2)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, plan.Levels...)
	levels = append(levels, []string{"__end__"})
	return levels
}

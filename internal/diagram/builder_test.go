package diagram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

func compilePlan(t *testing.T, def *schema.WorkflowDefinition) *compiler.ExecutablePlan {
	t.Helper()
	comp, err := compiler.New(nil, nil)
	require.NoError(t, err)
	plan, err := comp.Compile(context.Background(), def)
	require.NoError(t, err)
	return plan
}

func diagramTask(next string, end bool) schema.StateDefinition {
	return schema.StateDefinition{
		Type:               schema.StateTypeTask,
		CapabilityBindings: []schema.CapabilityBinding{{Ref: "demo@1.0.0"}},
		Next:               next,
		End:                end,
	}
}

func linearPlan(t *testing.T) *compiler.ExecutablePlan {
	return compilePlan(t, &schema.WorkflowDefinition{
		WorkflowID: "wf-diagram",
		StartAt:    "fetch",
		States: map[string]schema.StateDefinition{
			"fetch":     diagramTask("transform", false),
			"transform": diagramTask("publish", false),
			"publish":   diagramTask("", true),
		},
	})
}

func choicePlan(t *testing.T) *compiler.ExecutablePlan {
	return compilePlan(t, &schema.WorkflowDefinition{
		WorkflowID: "wf-choice",
		StartAt:    "inspect",
		States: map[string]schema.StateDefinition{
			"inspect": {
				Type: schema.StateTypeChoice,
				Branches: []schema.Branch{
					{When: `states.inspect.kind == "big"`, Next: "heavy"},
					{Next: "light"},
				},
			},
			"heavy": diagramTask("", true),
			"light": diagramTask("", true),
		},
	})
}

func TestBuild_LinearTopology(t *testing.T) {
	model := Build(linearPlan(t), nil)

	require.Len(t, model.Nodes, 5) // start + 3 states + end
	assert.Equal(t, "wf-diagram", model.Title)
	assert.Equal(t, "__start__", model.Nodes[0].ID)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, "__end__", model.Nodes[len(model.Nodes)-1].ID)

	assert.Contains(t, model.Edges, Edge{From: "__start__", To: "fetch"})
	assert.Contains(t, model.Edges, Edge{From: "fetch", To: "transform"})
	assert.Contains(t, model.Edges, Edge{From: "transform", To: "publish"})
	assert.Contains(t, model.Edges, Edge{From: "publish", To: "__end__"})

	// Virtual levels wrap the plan levels.
	assert.Equal(t, []string{"__start__"}, model.Levels[0])
	assert.Equal(t, []string{"__end__"}, model.Levels[len(model.Levels)-1])
}

func TestBuild_ChoiceEdgeLabels(t *testing.T) {
	model := Build(choicePlan(t), nil)

	var heavyEdge, lightEdge *Edge
	for i := range model.Edges {
		e := &model.Edges[i]
		if e.From == "inspect" && e.To == "heavy" {
			heavyEdge = e
		}
		if e.From == "inspect" && e.To == "light" {
			lightEdge = e
		}
	}
	require.NotNil(t, heavyEdge)
	require.NotNil(t, lightEdge)
	assert.Equal(t, `states.inspect.kind == "big"`, heavyEdge.Label)
	assert.Equal(t, "default", lightEdge.Label)

	inspect := findNode(model.Nodes, "inspect")
	require.NotNil(t, inspect)
	assert.Equal(t, NodeKindChoice, inspect.Kind)
}

func TestBuild_StatusOverlay(t *testing.T) {
	plan := linearPlan(t)
	started := time.Now().Add(-2 * time.Second)
	finished := started.Add(1500 * time.Millisecond)
	records := []*store.StateRecord{
		{WorkflowID: "wf-diagram", State: "fetch", Status: schema.StateStatusDone,
			Attempts: 2, StartedAt: &started, FinishedAt: &finished},
		{WorkflowID: "wf-diagram", State: "transform", Status: schema.StateStatusRunning},
		{WorkflowID: "wf-diagram", State: "publish", Status: schema.StateStatusBlocked},
	}

	model := Build(plan, records)

	fetch := findNode(model.Nodes, "fetch")
	require.NotNil(t, fetch.Status)
	assert.Equal(t, "done", fetch.Status.Status)
	assert.Equal(t, int64(1500), fetch.Status.DurationMs)
	assert.Equal(t, 2, fetch.Status.Attempts)

	transform := findNode(model.Nodes, "transform")
	require.NotNil(t, transform.Status)
	assert.Equal(t, "running", transform.Status.Status)

	// Start/end nodes carry no overlay.
	assert.Nil(t, model.Nodes[0].Status)
}

func TestBuild_SkippedChoiceArm(t *testing.T) {
	plan := choicePlan(t)
	records := []*store.StateRecord{
		{WorkflowID: "wf-choice", State: "inspect", Status: schema.StateStatusDone, ResolvedNext: "light"},
		{WorkflowID: "wf-choice", State: "heavy", Status: schema.StateStatusBlocked},
		{WorkflowID: "wf-choice", State: "light", Status: schema.StateStatusDone},
	}

	model := Build(plan, records)

	heavy := findNode(model.Nodes, "heavy")
	require.NotNil(t, heavy.Status)
	assert.Equal(t, "skipped", heavy.Status.Status)

	light := findNode(model.Nodes, "light")
	require.NotNil(t, light.Status)
	assert.Equal(t, "done", light.Status.Status)
}

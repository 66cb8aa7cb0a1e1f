package compiler

import (
	"context"
	"strings"
	"testing"

	"github.com/weftlabs/weft/pkg/schema"
)

// catalogResolver is a fixed in-memory definition catalog.
type catalogResolver map[string]*schema.WorkflowDefinition

func (c catalogResolver) ResolveDefinition(_ context.Context, ref string) (*schema.WorkflowDefinition, error) {
	def, ok := c[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s not published", ref)
	}
	return def, nil
}

func etlFragment() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "etl-lib",
		StartAt:    "extract",
		States: map[string]schema.StateDefinition{
			"extract": task("load"),
			"load":    task(""),
		},
	}
}

func importingDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "pipeline",
		StartAt:    "prep",
		States: map[string]schema.StateDefinition{
			"prep": task("etl.extract"),
		},
		Imports: []schema.ImportRef{
			{Alias: "etl", Ref: "etl-lib@1.0.0"},
		},
	}
}

func TestCompile_InlinesImport(t *testing.T) {
	resolver := catalogResolver{"etl-lib@1.0.0": etlFragment()}
	c, err := New(resolver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plan, err := c.Compile(context.Background(), importingDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.States) != 3 {
		t.Fatalf("expected 3 merged states, got %v", plan.Sorted)
	}
	extract, ok := plan.StateDef("etl.extract")
	if !ok {
		t.Fatal("etl.extract missing from merged plan")
	}
	if extract.Next != "etl.load" {
		t.Errorf("imported transition not prefixed: %q", extract.Next)
	}
	load, ok := plan.StateDef("etl.load")
	if !ok || !load.End {
		t.Error("imported terminal state lost its end marker")
	}
	if up := plan.UpstreamOf("etl.extract"); len(up) != 1 || up[0] != "prep" {
		t.Errorf("expected prep upstream of etl.extract, got %v", up)
	}
}

func TestCompile_NestedImports(t *testing.T) {
	resolver := catalogResolver{
		"lib-a@1.0.0": {
			WorkflowID: "lib-a",
			StartAt:    "entry",
			States: map[string]schema.StateDefinition{
				"entry": task("inner.finish"),
			},
			Imports: []schema.ImportRef{
				{Alias: "inner", Ref: "lib-b@1.0.0"},
			},
		},
		"lib-b@1.0.0": {
			WorkflowID: "lib-b",
			StartAt:    "finish",
			States: map[string]schema.StateDefinition{
				"finish": terminal(),
			},
		},
	}

	def := &schema.WorkflowDefinition{
		WorkflowID: "nested",
		StartAt:    "kickoff",
		States: map[string]schema.StateDefinition{
			"kickoff": task("outer.entry"),
		},
		Imports: []schema.ImportRef{
			{Alias: "outer", Ref: "lib-a@1.0.0"},
		},
	}

	c, err := New(resolver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plan, err := c.Compile(context.Background(), def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, ok := plan.StateDef("outer.entry")
	if !ok {
		t.Fatalf("outer.entry missing, states: %v", plan.Sorted)
	}
	if entry.Next != "outer.inner.finish" {
		t.Errorf("nested prefixing wrong: %q", entry.Next)
	}
	if _, ok := plan.StateDef("outer.inner.finish"); !ok {
		t.Errorf("doubly nested state missing, states: %v", plan.Sorted)
	}
}

func TestCompile_CyclicImports(t *testing.T) {
	resolver := catalogResolver{}
	resolver["lib-a@1.0.0"] = &schema.WorkflowDefinition{
		WorkflowID: "lib-a",
		States:     map[string]schema.StateDefinition{"a": terminal()},
		Imports:    []schema.ImportRef{{Alias: "b", Ref: "lib-b@1.0.0"}},
	}
	resolver["lib-b@1.0.0"] = &schema.WorkflowDefinition{
		WorkflowID: "lib-b",
		States:     map[string]schema.StateDefinition{"b": terminal()},
		Imports:    []schema.ImportRef{{Alias: "a", Ref: "lib-a@1.0.0"}},
	}

	def := importingDef()
	def.Imports = []schema.ImportRef{{Alias: "etl", Ref: "lib-a@1.0.0"}}

	c, err := New(resolver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compile(context.Background(), def)
	assertCode(t, err, schema.ErrCodeValidation)
	if !strings.Contains(err.Error(), "cyclic import") {
		t.Errorf("expected cyclic import error, got: %v", err)
	}
}

func TestCompile_ImportNotFound(t *testing.T) {
	c, err := New(catalogResolver{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compile(context.Background(), importingDef())
	assertCode(t, err, schema.ErrCodeValidation)
	if !strings.Contains(err.Error(), "etl-lib@1.0.0") {
		t.Errorf("error should name the missing ref: %v", err)
	}
}

func TestCompile_DuplicateAlias(t *testing.T) {
	resolver := catalogResolver{"etl-lib@1.0.0": etlFragment()}
	def := importingDef()
	def.Imports = append(def.Imports, schema.ImportRef{Alias: "etl", Ref: "etl-lib@1.0.0"})

	c, err := New(resolver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compile(context.Background(), def)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestCompile_ImportNameCollision(t *testing.T) {
	resolver := catalogResolver{"etl-lib@1.0.0": etlFragment()}
	def := importingDef()
	def.States["etl.extract"] = task("prep") // occupies the qualified name up front

	c, err := New(resolver, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compile(context.Background(), def)
	assertCode(t, err, schema.ErrCodeValidation)
	if !strings.Contains(err.Error(), "collides") {
		t.Errorf("expected collision error, got: %v", err)
	}
}

func TestCompile_ImportsWithoutResolver(t *testing.T) {
	c := newTestCompiler(t) // nil resolver
	_, err := c.Compile(context.Background(), importingDef())
	assertCode(t, err, schema.ErrCodeValidation)
	if !strings.Contains(err.Error(), "resolver") {
		t.Errorf("expected resolver error, got: %v", err)
	}
}

func TestCompile_HashTracksImportContent(t *testing.T) {
	v1 := catalogResolver{"etl-lib@1.0.0": etlFragment()}

	drifted := etlFragment()
	s := drifted.States["extract"]
	s.ResultPath = "$.rows"
	drifted.States["extract"] = s
	v2 := catalogResolver{"etl-lib@1.0.0": drifted}

	c1, err := New(v1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New(v2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p1, err := c1.Compile(context.Background(), importingDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := c2.Compile(context.Background(), importingDef())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p1.Hash == p2.Hash {
		t.Error("drifted import content must change the plan hash")
	}
}

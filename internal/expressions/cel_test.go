package expressions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/validation"
	"github.com/weftlabs/weft/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

// --- Interface compliance ---

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
	var _ validation.ExprChecker = (*CELEngine)(nil)
}

// --- Basic evaluation ---

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `true`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_IntegerArithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `2 + 3 * 4`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(14), out)
}

// --- Choice conditions ---

func TestCEL_Condition_InputAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{
			"enabled": true,
			"count":   int64(5),
		},
	}

	t.Run("boolean field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `input.enabled == true`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("numeric comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `input.count > 3`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("numeric comparison false", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `input.count > 10`, data)
		require.NoError(t, err)
		assert.Equal(t, false, out)
	})
}

func TestCEL_Condition_StatesAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"states": map[string]any{
			"fetch": map[string]any{
				"status": int64(200),
				"body":   "ok",
			},
		},
	}

	t.Run("nested field access", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `states.fetch.status == 200`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("string field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `states.fetch.body == "ok"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestCEL_Condition_WorkflowAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"workflow": map[string]any{"workflow_id": "wf-123"},
	}

	out, err := e.Evaluate(context.Background(), `workflow.workflow_id == "wf-123"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Condition_OverScopeVars(t *testing.T) {
	// Envelope data arrives as JSON, so numbers surface as doubles; choice
	// conditions convert explicitly.
	e, err := NewCELEngine()
	require.NoError(t, err)

	scope := NewScope(map[string]any{"threshold": float64(2)}, nil)
	require.NoError(t, scope.AddStateOutput("fetch", json.RawMessage(`{"count":3,"ok":true}`)))

	out, err := e.EvaluateBool(context.Background(),
		`int(states.fetch.count) > int(input.threshold) && states.fetch.ok`, scope.Vars())
	require.NoError(t, err)
	assert.True(t, out)
}

// --- EvaluateBool ---

func TestCEL_EvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{"priority": "high"},
	}

	t.Run("true branch", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `input.priority == "high"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("false branch", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `input.priority == "low"`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-bool result rejected", func(t *testing.T) {
		_, err := e.EvaluateBool(context.Background(), `input.priority`, data)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))
		assert.Contains(t, err.Error(), "want bool")
	})
}

// --- Check (validation-time compile) ---

func TestCEL_Check(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.Check(`states.fetch.count > 0`))

	err = e.Check(`this is not (valid CEL`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))

	require.Error(t, e.Check(``))
}

// --- Operators ---

func TestCEL_LogicalOperators(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{"a": true, "b": false},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`input.a && input.b`, false},
		{`input.a || input.b`, true},
		{`!input.b`, true},
		{`input.a && !input.b`, true},
	}
	for _, tc := range cases {
		out, err := e.Evaluate(context.Background(), tc.expr, data)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, out, tc.expr)
	}
}

func TestCEL_StringOperations(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"states": map[string]any{
			"classify": map[string]any{"label": "billing/invoice"},
		},
	}

	out, err := e.Evaluate(context.Background(), `states.classify.label.startsWith("billing/")`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `states.classify.label.contains("invoice")`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Ternary(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"states": map[string]any{
			"score": map[string]any{"value": int64(85)},
		},
	}

	expr := `states.score.value >= 90 ? "high" : states.score.value >= 70 ? "mid" : "low"`
	out, err := e.Evaluate(context.Background(), expr, data)
	require.NoError(t, err)
	assert.Equal(t, "mid", out)
}

// --- Error handling ---

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), ``, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `input..double.dot`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))
	assert.Contains(t, err.Error(), "compile")

	werr := &schema.WeftError{}
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, `input..double.dot`, werr.Details["expression"])
}

func TestCEL_RuntimeError_MissingKey(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// states compiles as a map, but the key is absent at runtime.
	_, err = e.Evaluate(context.Background(), `states.nope.field == 1`, map[string]any{
		"states": map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeToolExecution, schema.GetCode(err))
}

func TestCEL_MissingNamespacesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(states) == 0 && size(input) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

// --- Sandbox ---

func TestCEL_Sandbox_NoSystemAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No file, env, or exec functions exist in the environment.
	for _, expr := range []string{`system("ls")`, `exec("rm")`, `env("HOME")`} {
		_, err := e.Evaluate(context.Background(), expr, nil)
		require.Error(t, err, expr)
		assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))
	}
}

// --- Program caching ---

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	expr := `1 + 1`
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), expr, nil)
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(context.Background(), `2 + 2`, nil)
	require.NoError(t, err)
	assert.Len(t, e.cache, 2)
}

// --- Thread safety ---

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{"n": int64(10)},
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `input.n * 2`, data)
			assert.NoError(t, err)
			assert.Equal(t, int64(20), out)
		}()
	}
	wg.Wait()
}

// --- Nil data handling ---

func TestCEL_NilData(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `1 + 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out)
}

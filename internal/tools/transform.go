package tools

import (
	"context"
	"encoding/json"

	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/pkg/schema"
)

const jqTransformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "description": "jq program; the input value is exposed as .data"},
    "data": {}
  },
  "required": ["expression", "data"]
}`

const logicEvalInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "description": "expr-lang expression; the data object's keys are in scope as variables"},
    "data": {"type": "object"}
  },
  "required": ["expression"]
}`

// TransformTools returns the expression-evaluation builtins.
func TransformTools() []Tool {
	return []Tool{
		&jqTransformTool{engine: expressions.NewGoJQEngine()},
		&logicEvalTool{engine: expressions.NewExprEngine()},
	}
}

// --- jq.transform ---

type jqTransformTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTransformTool) Name() string { return "jq.transform" }

func (t *jqTransformTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Reshape a JSON value with a jq program. The input is exposed as .data",
		InputSchema: json.RawMessage(jqTransformInputSchema),
	}
}

func (t *jqTransformTool) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'expression'")
	}
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'data'")
	}
	return nil
}

func (t *jqTransformTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := t.Validate(inv.Params); err != nil {
		return nil, err
	}
	expression, _ := inv.Params["expression"].(string)

	result, err := t.engine.Evaluate(ctx, expression, map[string]any{"data": inv.Params["data"]})
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "jq.transform: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}

// --- logic.eval ---

type logicEvalTool struct {
	engine *expressions.ExprEngine
}

func (t *logicEvalTool) Name() string { return "logic.eval" }

func (t *logicEvalTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an expr-lang expression over a data object, for decisions and derived values",
		InputSchema: json.RawMessage(logicEvalInputSchema),
	}
}

func (t *logicEvalTool) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "logic.eval: missing required param 'expression'")
	}
	if data, ok := params["data"]; ok && data != nil {
		if _, isMap := data.(map[string]any); !isMap {
			return schema.NewError(schema.ErrCodeValidation, "logic.eval: 'data' must be an object")
		}
	}
	return nil
}

func (t *logicEvalTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := t.Validate(inv.Params); err != nil {
		return nil, err
	}
	expression, _ := inv.Params["expression"].(string)

	scope, _ := inv.Params["data"].(map[string]any)
	result, err := t.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "logic.eval: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}

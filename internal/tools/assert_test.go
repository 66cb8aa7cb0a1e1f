package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftlabs/weft/internal/validation"
	"github.com/weftlabs/weft/pkg/schema"
)

func newAssertTools(t *testing.T) []Tool {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return AssertTools(v)
}

func findAssertTool(t *testing.T, name string) Tool {
	t.Helper()
	for _, tool := range newAssertTools(t) {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func execAssert(t *testing.T, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	tool := findAssertTool(t, name)
	out, err := tool.Invoke(context.Background(), Invocation{Params: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

// --- assert.equals ---

func TestAssertEquals_Match(t *testing.T) {
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": "hello",
		"actual":   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_Mismatch(t *testing.T) {
	_, err := execAssert(t, "assert.equals", map[string]any{
		"expected": "hello",
		"actual":   "world",
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)
	assert.Equal(t, "hello", werr.Details["expected"])
	assert.Equal(t, "world", werr.Details["actual"])
}

func TestAssertEquals_DeepEqual_Map(t *testing.T) {
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": map[string]any{"a": float64(1), "b": map[string]any{"c": "d"}},
		"actual":   map[string]any{"a": float64(1), "b": map[string]any{"c": "d"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_DeepEqual_Array(t *testing.T) {
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": []any{float64(1), "two", float64(3)},
		"actual":   []any{float64(1), "two", float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_NumericTypes(t *testing.T) {
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": int(42),
		"actual":   float64(42),
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_CustomMessage(t *testing.T) {
	_, err := execAssert(t, "assert.equals", map[string]any{
		"expected": "a",
		"actual":   "b",
		"message":  "custom failure message",
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "custom failure message", werr.Message)
}

func TestAssertEquals_Validate_MissingExpected(t *testing.T) {
	tool := findAssertTool(t, "assert.equals")
	err := tool.Validate(map[string]any{"actual": "x"})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

// --- assert.contains ---

func TestAssertContains_StringMatch(t *testing.T) {
	result, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": "hello world",
		"needle":   "world",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertContains_StringNoMatch(t *testing.T) {
	_, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": "hello world",
		"needle":   "foo",
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)
}

func TestAssertContains_ArrayMatch(t *testing.T) {
	result, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": []any{float64(1), float64(2), float64(3)},
		"needle":   float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertContains_ArrayNoMatch(t *testing.T) {
	_, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": []any{float64(1), float64(2), float64(3)},
		"needle":   float64(5),
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)
}

func TestAssertContains_InvalidHaystack(t *testing.T) {
	_, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": float64(42),
		"needle":   "x",
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

// --- assert.matches ---

func TestAssertMatches_Match(t *testing.T) {
	result, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "abc123",
		"pattern": `\d+`,
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
	assert.Equal(t, "123", result["matches"])
}

func TestAssertMatches_NoMatch(t *testing.T) {
	_, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "abcdef",
		"pattern": `\d+`,
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)
}

func TestAssertMatches_InvalidPattern(t *testing.T) {
	_, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "test",
		"pattern": "[invalid",
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

// --- assert.schema ---

func TestAssertSchema_Valid(t *testing.T) {
	result, err := execAssert(t, "assert.schema", map[string]any{
		"data": map[string]any{"name": "test", "age": float64(25)},
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"age":  map[string]any{"type": "number"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertSchema_Invalid(t *testing.T) {
	_, err := execAssert(t, "assert.schema", map[string]any{
		"data": map[string]any{"age": "not a number"},
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"age":  map[string]any{"type": "number"},
			},
		},
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)
	assert.NotNil(t, werr.Details)
}

func TestAssertSchema_NonObjectData(t *testing.T) {
	_, err := execAssert(t, "assert.schema", map[string]any{
		"data":   "just a string",
		"schema": map[string]any{"type": "object"},
	})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

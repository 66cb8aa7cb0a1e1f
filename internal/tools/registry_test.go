package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftlabs/weft/pkg/schema"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string { return s.name }
func (s *stubTool) Schema() ToolSchema {
	return ToolSchema{Description: s.desc}
}
func (s *stubTool) Invoke(_ context.Context, _ Invocation) (*Result, error) {
	return &Result{Data: json.RawMessage(`{"ok":true}`)}, nil
}
func (s *stubTool) Validate(_ map[string]any) error { return nil }

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTool{name: "test.tool", desc: "A test tool"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.tool"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "dup"}))

	err := reg.Register(&stubTool{name: "dup"})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeConflict, werr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTool{name: ""})
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry()
	original := &stubTool{name: "fetch"}
	require.NoError(t, reg.Register(original))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeNotFound, werr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "z.tool", desc: "last"}))
	require.NoError(t, reg.Register(&stubTool{name: "a.tool", desc: "first"}))
	require.NoError(t, reg.Register(&stubTool{name: "m.tool", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.tool", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "m.tool", infos[1].Name)
	assert.Equal(t, "z.tool", infos[2].Name)
}

func TestRegistry_List_Empty(t *testing.T) {
	reg := NewRegistry()
	infos := reg.List()
	assert.Empty(t, infos)
}

func TestRegistry_Has_False(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("nonexistent"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	// Concurrent registers.
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent." + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(&stubTool{name: name})
		}(i)
	}

	// Concurrent gets.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Get("concurrent.a0")
		}()
	}

	// Concurrent lists.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}

// --- aliasTool ---

func TestAliasTool_NameOverride(t *testing.T) {
	inner := &stubTool{name: "http.request", desc: "inner"}
	alias := &aliasTool{inner: inner, name: "fetch_page", spec: schema.ToolSpec{Name: "fetch_page"}}

	assert.Equal(t, "fetch_page", alias.Name())
	assert.Equal(t, "inner", alias.Schema().Description)
}

func TestAliasTool_SchemaOverride(t *testing.T) {
	inner := &stubTool{name: "http.request"}
	specSchema := json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`)
	alias := &aliasTool{inner: inner, name: "fetch_page", spec: schema.ToolSpec{
		Name:   "fetch_page",
		Schema: specSchema,
	}}

	got := alias.Schema()
	assert.JSONEq(t, string(specSchema), string(got.InputSchema))
}

func TestAliasTool_InvokePassthrough(t *testing.T) {
	inner := &stubTool{name: "http.request"}
	alias := &aliasTool{inner: inner, name: "fetch_page"}

	out, err := alias.Invoke(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftlabs/weft/pkg/schema"
)

func newTestBinder(t *testing.T) (*Binder, *Registry, *ProviderManager) {
	t.Helper()
	reg := NewRegistry()
	pm := NewProviderManager(nil)
	return NewBinder(reg, pm), reg, pm
}

func TestProviderID(t *testing.T) {
	assert.Equal(t, "github@1.2.0/gh", ProviderID("github@1.2.0", "gh"))
}

func TestBinder_Bind_Builtin(t *testing.T) {
	binder, reg, _ := newTestBinder(t)
	require.NoError(t, reg.Register(&stubTool{name: "http.request", desc: "full request"}))

	desc := &schema.CapabilityDescriptor{
		ManifestID: "fetcher@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "http.request"},
		},
	}

	bound, err := binder.Bind(context.Background(), desc, nil)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, "fetch_page", bound[0].Name())

	out, err := bound[0].Invoke(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Data))
}

func TestBinder_Bind_Builtin_DefaultTarget(t *testing.T) {
	binder, reg, _ := newTestBinder(t)
	require.NoError(t, reg.Register(&stubTool{name: "crypto.hash"}))

	desc := &schema.CapabilityDescriptor{
		ManifestID: "hasher@1.0.0",
		RequiredTools: []schema.ToolSpec{
			// No target: the tool name doubles as the builtin name.
			{Name: "crypto.hash", Binding: schema.ToolBindingBuiltin},
		},
	}

	bound, err := binder.Bind(context.Background(), desc, nil)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, "crypto.hash", bound[0].Name())
}

func TestBinder_Bind_Builtin_SchemaOverride(t *testing.T) {
	binder, reg, _ := newTestBinder(t)
	require.NoError(t, reg.Register(&stubTool{name: "http.request"}))

	declared := json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)
	desc := &schema.CapabilityDescriptor{
		ManifestID: "fetcher@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "http.request", Schema: declared},
		},
	}

	bound, err := binder.Bind(context.Background(), desc, nil)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.JSONEq(t, string(declared), string(bound[0].Schema().InputSchema))
}

func TestBinder_Bind_Builtin_NotRegistered(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	desc := &schema.CapabilityDescriptor{
		ManifestID: "fetcher@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "http.request"},
		},
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeNotFound, werr.Code)
}

func TestBinder_Bind_MCP_UnknownProvider(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	desc := &schema.CapabilityDescriptor{
		ManifestID: "github@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "create_issue", Binding: schema.ToolBindingMCP, Target: "gh"},
		},
		// Providers map lacks the "gh" key.
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
	assert.Contains(t, werr.Message, "unknown provider")
}

func TestBinder_Bind_MCP_SpawnFailure(t *testing.T) {
	binder, _, pm := newTestBinder(t)

	desc := &schema.CapabilityDescriptor{
		ManifestID: "github@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "create_issue", Binding: schema.ToolBindingMCP, Target: "gh"},
		},
		Providers: map[string]schema.ProviderSpec{
			"gh": {Command: "/nonexistent_provider_binary_weft_test"},
		},
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeToolExecution, werr.Code)

	// The failed acquire must not leave a provider entry behind.
	assert.Empty(t, pm.Status())
}

func TestBinder_Bind_RollbackReleasesNothingOnBuiltinFailure(t *testing.T) {
	binder, reg, pm := newTestBinder(t)
	require.NoError(t, reg.Register(&stubTool{name: "http.request"}))

	desc := &schema.CapabilityDescriptor{
		ManifestID: "mixed@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "http.request"},
			{Name: "missing_tool", Binding: schema.ToolBindingBuiltin, Target: "no.such.builtin"},
		},
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.Error(t, err)
	assert.Empty(t, pm.Status())
}

func TestBinder_Bind_UnsupportedBinding(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	desc := &schema.CapabilityDescriptor{
		ManifestID: "odd@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "weird", Binding: "grpc"},
		},
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.Error(t, err)

	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
	assert.Contains(t, werr.Message, "unsupported binding")
}

func TestBinder_Bind_EmptyDescriptor(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	desc := &schema.CapabilityDescriptor{ManifestID: "empty@1.0.0"}
	bound, err := binder.Bind(context.Background(), desc, nil)
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestBinder_Unbind_BuiltinOnly_NoOp(t *testing.T) {
	binder, reg, pm := newTestBinder(t)
	require.NoError(t, reg.Register(&stubTool{name: "http.request"}))

	desc := &schema.CapabilityDescriptor{
		ManifestID: "fetcher@1.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "http.request"},
		},
	}

	_, err := binder.Bind(context.Background(), desc, nil)
	require.NoError(t, err)

	// No providers were acquired, so Unbind must be a safe no-op.
	binder.Unbind(desc)
	assert.Empty(t, pm.Status())
}

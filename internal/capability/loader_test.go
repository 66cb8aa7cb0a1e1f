package capability

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

type loaderVault struct {
	secrets map[string][]byte
	err     error
}

func (v *loaderVault) Resolve(_ context.Context, key string) ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	val, ok := v.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return val, nil
}

func (v *loaderVault) Store(_ context.Context, key string, value []byte) error {
	if v.secrets == nil {
		v.secrets = make(map[string][]byte)
	}
	v.secrets[key] = value
	return nil
}

func (v *loaderVault) Delete(_ context.Context, key string) error {
	delete(v.secrets, key)
	return nil
}

func (v *loaderVault) List(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(v.secrets))
	for k := range v.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestLoader_Load(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	desc := capDescriptor("web-search@1.0.0", "search", "fetch_page")
	require.NoError(t, l.Load(ctx, "exec-1", desc))

	active := l.ActiveDescriptors("exec-1")
	require.Len(t, active, 1)
	assert.Equal(t, "web-search@1.0.0", active[0].ManifestID)

	tools := l.Tools("exec-1")
	require.Len(t, tools, 2)
	assert.Equal(t, "fetch_page", tools[0].Name)
	assert.Equal(t, "search", tools[1].Name)

	directives := l.Directives("exec-1")
	require.Len(t, directives, 1)
	assert.Contains(t, directives[0], "web-search@1.0.0")
}

func TestLoader_Load_ReloadIsNoOp(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	desc := capDescriptor("web-search@1.0.0", "search")
	require.NoError(t, l.Load(ctx, "exec-1", desc))
	require.NoError(t, l.Load(ctx, "exec-1", desc))

	assert.Len(t, l.ActiveDescriptors("exec-1"), 1)
	assert.Len(t, l.Tools("exec-1"), 1)
}

func TestLoader_Load_UnionsDescriptors(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("web-search@1.0.0", "search")))
	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("db-writer@1.0.0", "write_rows")))

	active := l.ActiveDescriptors("exec-1")
	require.Len(t, active, 2)
	assert.Equal(t, "db-writer@1.0.0", active[0].ManifestID)
	assert.Equal(t, "web-search@1.0.0", active[1].ManifestID)

	tools := l.Tools("exec-1")
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "write_rows", tools[1].Name)
}

func TestLoader_Load_ToolNameCollision(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("web-search@1.0.0", "search")))

	err := l.Load(ctx, "exec-1", capDescriptor("site-crawler@1.0.0", "crawl", "search"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.GetCode(err))

	werr := &schema.WeftError{}
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "search", werr.Details["tool"])
	assert.Equal(t, "web-search@1.0.0", werr.Details["owned_by"])

	// failed load leaves nothing behind
	assert.Len(t, l.ActiveDescriptors("exec-1"), 1)
	owner, ok := l.ToolOwner("exec-1", "search")
	require.True(t, ok)
	assert.Equal(t, "web-search@1.0.0", owner)
	_, ok = l.ToolOwner("exec-1", "crawl")
	assert.False(t, ok)
}

func TestLoader_Load_EgressDenied(t *testing.T) {
	l := NewLoader(nil, schema.EgressIntranet, nil)

	desc := capDescriptor("web-search@1.0.0", "search")
	desc.Permissions.Egress = schema.EgressInternet

	err := l.Load(context.Background(), "exec-1", desc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePermissionDenied, schema.GetCode(err))

	werr := &schema.WeftError{}
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "internet", werr.Details["requested"])
	assert.Equal(t, "intranet", werr.Details["allowed"])
	assert.Empty(t, l.ActiveDescriptors("exec-1"))
}

func TestLoader_Load_EgressWithinScope(t *testing.T) {
	l := NewLoader(nil, schema.EgressInternet, nil)
	ctx := context.Background()

	for i, class := range []schema.EgressClass{schema.EgressNone, schema.EgressIntranet, schema.EgressInternet} {
		desc := capDescriptor(fmt.Sprintf("cap-%d@1.0.0", i), fmt.Sprintf("tool_%d", i))
		desc.Permissions.Egress = class
		require.NoError(t, l.Load(ctx, "exec-1", desc))
	}
	assert.Len(t, l.ActiveDescriptors("exec-1"), 3)
}

func TestLoader_Load_ResolvesSecretRefs(t *testing.T) {
	vault := &loaderVault{secrets: map[string][]byte{
		"SEARCH_API_KEY": []byte("sk-test-123"),
	}}
	l := NewLoader(vault, schema.EgressNone, nil)

	desc := capDescriptor("web-search@1.0.0", "search")
	desc.Permissions.SecretRefs = []string{"SEARCH_API_KEY"}
	require.NoError(t, l.Load(context.Background(), "exec-1", desc))

	secrets := l.Secrets("exec-1")
	assert.Equal(t, "sk-test-123", secrets["SEARCH_API_KEY"])
}

func TestLoader_Load_SecretMissing(t *testing.T) {
	l := NewLoader(&loaderVault{}, schema.EgressNone, nil)

	desc := capDescriptor("web-search@1.0.0", "search")
	desc.Permissions.SecretRefs = []string{"SEARCH_API_KEY"}

	err := l.Load(context.Background(), "exec-1", desc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePermissionDenied, schema.GetCode(err))

	werr := &schema.WeftError{}
	require.ErrorAs(t, err, &werr)
	require.Error(t, werr.Cause)

	// atomic: the descriptor and its tools never became active
	assert.Empty(t, l.ActiveDescriptors("exec-1"))
	assert.Empty(t, l.Tools("exec-1"))
}

func TestLoader_Load_SecretsWithoutVault(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)

	desc := capDescriptor("web-search@1.0.0", "search")
	desc.Permissions.SecretRefs = []string{"SEARCH_API_KEY"}

	err := l.Load(context.Background(), "exec-1", desc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePermissionDenied, schema.GetCode(err))
	assert.ErrorContains(t, err, "no vault")
}

func TestLoader_Load_InvalidDescriptor(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)

	err := l.Load(context.Background(), "exec-1", &schema.CapabilityDescriptor{
		ManifestID:  "no-tools@1.0.0",
		Permissions: schema.Permissions{Egress: schema.EgressNone},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.GetCode(err))
}

func TestLoader_Unload(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("web-search@1.0.0", "search")))
	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("db-writer@1.0.0", "write_rows")))

	l.Unload("exec-1", "web-search@1.0.0")

	active := l.ActiveDescriptors("exec-1")
	require.Len(t, active, 1)
	assert.Equal(t, "db-writer@1.0.0", active[0].ManifestID)

	_, ok := l.ToolOwner("exec-1", "search")
	assert.False(t, ok)
	owner, ok := l.ToolOwner("exec-1", "write_rows")
	require.True(t, ok)
	assert.Equal(t, "db-writer@1.0.0", owner)
}

func TestLoader_Unload_AbsentIsNoOp(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)

	l.Unload("exec-1", "never-loaded@1.0.0")
	assert.Empty(t, l.ActiveDescriptors("exec-1"))

	require.NoError(t, l.Load(context.Background(), "exec-1", capDescriptor("web-search@1.0.0", "search")))
	l.Unload("exec-1", "never-loaded@1.0.0")
	assert.Len(t, l.ActiveDescriptors("exec-1"), 1)
}

func TestLoader_ReleaseExecutor(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("web-search@1.0.0", "search")))
	require.NoError(t, l.Load(ctx, "exec-2", capDescriptor("db-writer@1.0.0", "write_rows")))

	l.ReleaseExecutor("exec-1")

	assert.Empty(t, l.ActiveDescriptors("exec-1"))
	assert.Nil(t, l.Tools("exec-1"))
	assert.Len(t, l.ActiveDescriptors("exec-2"), 1)
}

// Active sets are per executor: the same tool name on two executors is not a
// collision.
func TestLoader_ExecutorsAreIsolated(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("web-search@1.0.0", "search")))
	require.NoError(t, l.Load(ctx, "exec-2", capDescriptor("site-crawler@1.0.0", "search")))

	owner1, _ := l.ToolOwner("exec-1", "search")
	owner2, _ := l.ToolOwner("exec-2", "search")
	assert.Equal(t, "web-search@1.0.0", owner1)
	assert.Equal(t, "site-crawler@1.0.0", owner2)
}

func TestLoader_Directives_OrderedByManifest(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	// load out of order; composition order must not depend on load order
	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("zeta@1.0.0", "z_tool")))
	require.NoError(t, l.Load(ctx, "exec-1", capDescriptor("alpha@1.0.0", "a_tool")))

	directives := l.Directives("exec-1")
	require.Len(t, directives, 2)
	assert.Contains(t, directives[0], "alpha@1.0.0")
	assert.Contains(t, directives[1], "zeta@1.0.0")
}

func TestLoader_ConcurrentLoads(t *testing.T) {
	l := NewLoader(nil, schema.EgressNone, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			execID := fmt.Sprintf("exec-%d", n)
			desc := capDescriptor(fmt.Sprintf("cap-%d@1.0.0", n), fmt.Sprintf("tool_%d", n))
			assert.NoError(t, l.Load(ctx, execID, desc))
			assert.Len(t, l.Tools(execID), 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.Len(t, l.ActiveDescriptors(fmt.Sprintf("exec-%d", i)), 1)
	}
}

package tools

import (
	"context"

	"github.com/weftlabs/weft/pkg/schema"
)

// Binder materializes the tool set a capability descriptor declares. The
// capability loader decides WHICH descriptors are active for an executor;
// the binder turns one descriptor's tool specs into invocable Tools.
type Binder struct {
	registry  *Registry
	providers *ProviderManager
}

// NewBinder creates a Binder over the builtin registry and provider manager.
func NewBinder(registry *Registry, providers *ProviderManager) *Binder {
	return &Binder{registry: registry, providers: providers}
}

// ProviderID derives the manager key for a descriptor's provider entry.
// Scoping by manifest id keeps two capabilities' same-named providers apart.
func ProviderID(manifestID, providerKey string) string {
	return manifestID + "/" + providerKey
}

// Bind resolves every tool spec in the descriptor. Builtin specs alias a
// registry tool under the declared name; mcp specs acquire the backing
// provider subprocess and proxy through it. Binding is all-or-nothing: on
// failure, providers acquired so far are released.
func (b *Binder) Bind(ctx context.Context, desc *schema.CapabilityDescriptor, secrets map[string]string) ([]Tool, error) {
	bound := make([]Tool, 0, len(desc.RequiredTools))
	var acquired []string

	rollback := func() {
		for _, id := range acquired {
			b.providers.Release(id)
		}
	}

	for _, spec := range desc.RequiredTools {
		switch spec.Binding {
		case schema.ToolBindingBuiltin:
			target := spec.Target
			if target == "" {
				target = spec.Name
			}
			inner, err := b.registry.Get(target)
			if err != nil {
				rollback()
				return nil, err
			}
			bound = append(bound, &aliasTool{inner: inner, name: spec.Name, spec: spec})

		case schema.ToolBindingMCP:
			prov, ok := desc.Providers[spec.Target]
			if !ok {
				rollback()
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"descriptor %s: tool %q names unknown provider %q", desc.ManifestID, spec.Name, spec.Target)
			}
			providerID := ProviderID(desc.ManifestID, spec.Target)
			if err := b.providers.Acquire(ctx, providerID, prov, secrets); err != nil {
				rollback()
				return nil, err
			}
			acquired = append(acquired, providerID)
			bound = append(bound, &mcpTool{
				name:        spec.Name,
				inputSchema: spec.Schema,
				providerID:  providerID,
				manager:     b.providers,
			})

		default:
			rollback()
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"descriptor %s: tool %q has unsupported binding %q", desc.ManifestID, spec.Name, spec.Binding)
		}
	}
	return bound, nil
}

// Unbind releases the providers a successful Bind acquired. Callers pair it
// with Bind exactly once; refcounts in the provider manager do the rest.
func (b *Binder) Unbind(desc *schema.CapabilityDescriptor) {
	for _, spec := range desc.RequiredTools {
		if spec.Binding == schema.ToolBindingMCP {
			b.providers.Release(ProviderID(desc.ManifestID, spec.Target))
		}
	}
}

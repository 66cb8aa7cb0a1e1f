package capability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/secrets"
	"github.com/weftlabs/weft/pkg/schema"
)

// LoadedCapability is one descriptor active on an executor, with its secret
// refs already materialized.
type LoadedCapability struct {
	Descriptor *schema.CapabilityDescriptor
	Secrets    map[string]string
	LoadedAt   time.Time
}

// activeSet is everything one executor currently has loaded. tools maps each
// tool name to the manifest that brought it, which is what makes name
// collisions detectable.
type activeSet struct {
	descriptors map[string]*LoadedCapability
	tools       map[string]string
}

// Loader maintains per-executor active capability sets. Loading a descriptor
// unions its directives, tool specs, and resolved secrets into the set;
// unloading is set-difference. A load either commits completely or leaves the
// set untouched.
type Loader struct {
	mu      sync.RWMutex
	actives map[string]*activeSet

	vault   secrets.Vault // nil refuses descriptors that carry secret refs
	allowed schema.EgressClass
	logger  *slog.Logger
}

// NewLoader creates a Loader that admits descriptors up to the allowed egress
// class. vault may be nil when no descriptor in play carries secret refs.
func NewLoader(vault secrets.Vault, allowed schema.EgressClass, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		actives: make(map[string]*activeSet),
		vault:   vault,
		allowed: allowed,
		logger:  logger,
	}
}

// Load admits a descriptor into the executor's active set. Reloading a
// manifest that is already active is a no-op. Egress beyond the allowed
// scope and unresolvable secret refs are permission failures; a tool name
// already owned by a different manifest is a conflict. Nothing is committed
// unless every check passes.
func (l *Loader) Load(ctx context.Context, executorID string, desc *schema.CapabilityDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if !l.allowed.Allows(desc.Permissions.Egress) {
		return schema.NewErrorf(schema.ErrCodePermissionDenied,
			"descriptor %s requests egress %q but this executor allows %q",
			desc.ManifestID, desc.Permissions.Egress, l.allowed).
			WithDetails(map[string]any{
				"manifest_id": desc.ManifestID,
				"requested":   string(desc.Permissions.Egress),
				"allowed":     string(l.allowed),
			})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.actives[executorID]
	if set == nil {
		set = &activeSet{
			descriptors: make(map[string]*LoadedCapability),
			tools:       make(map[string]string),
		}
	}
	if _, active := set.descriptors[desc.ManifestID]; active {
		return nil
	}
	for _, tool := range desc.RequiredTools {
		if owner, taken := set.tools[tool.Name]; taken {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"tool %q from %s collides with the same name from %s",
				tool.Name, desc.ManifestID, owner).
				WithDetails(map[string]any{
					"tool":        tool.Name,
					"manifest_id": desc.ManifestID,
					"owned_by":    owner,
				})
		}
	}

	resolved, err := l.resolveSecretRefs(ctx, desc)
	if err != nil {
		return err
	}

	l.actives[executorID] = set
	set.descriptors[desc.ManifestID] = &LoadedCapability{
		Descriptor: desc,
		Secrets:    resolved,
		LoadedAt:   time.Now().UTC(),
	}
	for _, tool := range desc.RequiredTools {
		set.tools[tool.Name] = desc.ManifestID
	}

	l.logger.Debug("capability loaded",
		slog.String("executor_id", executorID),
		slog.String("manifest_id", desc.ManifestID),
		slog.Int("tools", len(desc.RequiredTools)),
	)
	return nil
}

// resolveSecretRefs materializes the descriptor's secret refs through the
// vault. Resolution happens at load time so tool execution never touches the
// vault directly.
func (l *Loader) resolveSecretRefs(ctx context.Context, desc *schema.CapabilityDescriptor) (map[string]string, error) {
	refs := desc.Permissions.SecretRefs
	if len(refs) == 0 {
		return nil, nil
	}
	if l.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"descriptor %s requires secrets but no vault is configured", desc.ManifestID).
			WithDetails(map[string]any{"secret_refs": refs})
	}
	resolved := make(map[string]string, len(refs))
	for _, ref := range refs {
		val, err := l.vault.Resolve(ctx, ref)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
				"descriptor %s: secret %q is not resolvable", desc.ManifestID, ref).
				WithCause(err)
		}
		resolved[ref] = string(val)
	}
	return resolved, nil
}

// Unload removes a manifest and the tools it owns from the executor's active
// set. Unloading a manifest that is not active is a no-op.
func (l *Loader) Unload(executorID, manifestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.actives[executorID]
	if set == nil {
		return
	}
	loaded, active := set.descriptors[manifestID]
	if !active {
		return
	}
	delete(set.descriptors, manifestID)
	for _, tool := range loaded.Descriptor.RequiredTools {
		if set.tools[tool.Name] == manifestID {
			delete(set.tools, tool.Name)
		}
	}
	if len(set.descriptors) == 0 {
		delete(l.actives, executorID)
	}
}

// ReleaseExecutor drops the executor's entire active set. Called when the
// executor releases its lease or shuts down.
func (l *Loader) ReleaseExecutor(executorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.actives, executorID)
}

// ActiveDescriptors returns the executor's loaded descriptors ordered by
// manifest id.
func (l *Loader) ActiveDescriptors(executorID string) []*schema.CapabilityDescriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.actives[executorID]
	if set == nil {
		return nil
	}
	out := make([]*schema.CapabilityDescriptor, 0, len(set.descriptors))
	for _, loaded := range set.descriptors {
		out = append(out, loaded.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManifestID < out[j].ManifestID })
	return out
}

// Directives returns the non-empty directive blocks of the executor's active
// set, ordered by manifest id so composed prompts are deterministic.
func (l *Loader) Directives(executorID string) []string {
	descs := l.ActiveDescriptors(executorID)
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		if d.Directives != "" {
			out = append(out, d.Directives)
		}
	}
	return out
}

// Tools returns the union of tool specs across the executor's active set,
// ordered by tool name.
func (l *Loader) Tools(executorID string) []schema.ToolSpec {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.actives[executorID]
	if set == nil {
		return nil
	}
	out := make([]schema.ToolSpec, 0, len(set.tools))
	for _, loaded := range set.descriptors {
		out = append(out, loaded.Descriptor.RequiredTools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolOwner reports which active manifest owns a tool name, so outcomes can
// be attributed to the descriptor that supplied the failing tool.
func (l *Loader) ToolOwner(executorID, toolName string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.actives[executorID]
	if set == nil {
		return "", false
	}
	owner, ok := set.tools[toolName]
	return owner, ok
}

// Secrets returns a copy of the executor's materialized secrets, merged
// across active descriptors.
func (l *Loader) Secrets(executorID string) map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.actives[executorID]
	if set == nil {
		return nil
	}
	merged := make(map[string]string)
	for _, loaded := range set.descriptors {
		for ref, val := range loaded.Secrets {
			merged[ref] = val
		}
	}
	return merged
}

package capability

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	// RelevanceThreshold is the minimum relevance a search candidate must
	// clear before it can satisfy a query binding.
	RelevanceThreshold = 0.35

	// History below this success rate, once enough runs are recorded,
	// contradicts the context: the candidate is skipped during resolution.
	historyFloor      = 0.25
	historyMinSamples = 5

	// searchLimit bounds how many candidates one query pulls from the
	// repository before filtering.
	searchLimit = 10
)

// Resolver maps capability bindings to concrete descriptors, or declares a
// capability gap when no adequate descriptor is resolvable.
type Resolver struct {
	repo    Repository
	history History // nil disables the track-record veto
	logger  *slog.Logger
}

// NewResolver creates a Resolver. history may be nil.
func NewResolver(repo Repository, history History, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, history: history, logger: logger}
}

// Resolve maps each binding to a descriptor, in binding order. Explicit refs
// are fetched and validated; free-form queries go through ranked search with
// the relevance threshold and the history veto. Any unmet binding aborts the
// whole resolution with a capability-gap error so the caller can escalate.
func (r *Resolver) Resolve(ctx context.Context, bindings []schema.CapabilityBinding, execCtx ExecutorContext) ([]*schema.CapabilityDescriptor, error) {
	if len(bindings) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no capability bindings to resolve")
	}

	descriptors := make([]*schema.CapabilityDescriptor, 0, len(bindings))
	for i, binding := range bindings {
		desc, err := r.resolveOne(ctx, binding, nil)
		if err != nil {
			var werr *schema.WeftError
			if errors.As(err, &werr) && werr.State == "" {
				werr.State = execCtx.State
			}
			return nil, err
		}

		r.logger.Debug("capability resolved",
			slog.String("workflow_id", execCtx.WorkflowID),
			slog.String("state", execCtx.State),
			slog.Int("binding", i),
			slog.String("manifest_id", desc.ManifestID),
		)
		descriptors = append(descriptors, desc)
	}

	return descriptors, nil
}

// ResolveAlternative returns the next-best descriptor for a binding,
// excluding manifests that already failed. This is the one-shot escalation
// path: a gap here means the need is genuinely unresolvable right now.
func (r *Resolver) ResolveAlternative(ctx context.Context, binding schema.CapabilityBinding, exclude []string) (*schema.CapabilityDescriptor, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	return r.resolveOne(ctx, binding, excluded)
}

func (r *Resolver) resolveOne(ctx context.Context, binding schema.CapabilityBinding, excluded map[string]bool) (*schema.CapabilityDescriptor, error) {
	switch {
	case binding.Ref != "" && binding.Query != "":
		return nil, schema.NewError(schema.ErrCodeValidation,
			"capability binding declares both ref and query")
	case binding.Ref != "":
		return r.resolveRef(ctx, binding.Ref, excluded)
	case binding.Query != "":
		return r.resolveQuery(ctx, binding.Query, excluded)
	default:
		return nil, schema.NewError(schema.ErrCodeValidation,
			"capability binding declares neither ref nor query")
	}
}

// resolveRef fetches an explicit manifest id. An excluded ref falls back to a
// name-based search so escalation can swap versions or siblings.
func (r *Resolver) resolveRef(ctx context.Context, ref string, excluded map[string]bool) (*schema.CapabilityDescriptor, error) {
	if excluded[ref] {
		name, _, err := schema.ParseManifestID(ref)
		if err != nil {
			return nil, err
		}
		return r.resolveQuery(ctx, name, excluded)
	}

	desc, err := r.repo.GetDescriptor(ctx, ref)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeCapabilityGap,
				"capability %q is not in the repository", ref).
				WithDetails(map[string]any{"ref": ref}).
				WithCause(err)
		}
		return nil, err
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// resolveQuery ranks repository candidates and returns the best one that
// clears the relevance threshold, is not excluded, and is not contradicted
// by its recorded history.
func (r *Resolver) resolveQuery(ctx context.Context, query string, excluded map[string]bool) (*schema.CapabilityDescriptor, error) {
	candidates, err := r.repo.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, err
	}

	var bestRelevance float64
	var contradicted []string
	skippedExcluded := 0
	for _, c := range candidates {
		if c.Relevance > bestRelevance {
			bestRelevance = c.Relevance
		}
		if c.Relevance < RelevanceThreshold {
			continue // candidates arrive ranked, but do not rely on it
		}
		if excluded[c.Descriptor.ManifestID] {
			skippedExcluded++
			continue
		}

		if veto, err := r.historyContradicts(ctx, c.Descriptor.ManifestID); err != nil {
			return nil, err
		} else if veto {
			contradicted = append(contradicted, c.Descriptor.ManifestID)
			continue
		}

		if err := c.Descriptor.Validate(); err != nil {
			return nil, err
		}
		return c.Descriptor, nil
	}

	details := map[string]any{
		"query":          query,
		"threshold":      RelevanceThreshold,
		"best_relevance": bestRelevance,
	}
	switch {
	case len(contradicted) > 0:
		details["contradicted"] = contradicted
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityGap,
			"capability matches for %q exist but their recorded history contradicts use", query).
			WithDetails(details)
	case skippedExcluded > 0:
		details["excluded"] = skippedExcluded
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityGap,
			"no alternative capability for %q remains after excluding failed manifests", query).
			WithDetails(details)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityGap,
			"no capability for %q cleared the relevance threshold", query).
			WithDetails(details)
	}
}

func (r *Resolver) historyContradicts(ctx context.Context, manifestID string) (bool, error) {
	if r.history == nil {
		return false, nil
	}
	stats, err := r.history.Stats(ctx, manifestID)
	if err != nil {
		return false, err
	}
	return stats.Samples >= historyMinSamples && stats.SuccessRate() < historyFloor, nil
}

// normalizeQuery lowercases and splits a free-form need into match tokens.
// Shared with the store-backed repository's ranking.
func normalizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

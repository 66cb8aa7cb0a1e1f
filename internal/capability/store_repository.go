package capability

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// StoreRepository serves descriptor lookups and lexical similarity search
// from the manifest catalog in the control-plane store. Relevance is the
// fraction of query tokens found in a manifest's name, summary, or tool
// names, which is deliberately simple: deployments that want semantic
// matching plug their own Repository in front of the same catalog.
type StoreRepository struct {
	store store.Store
}

var _ Repository = (*StoreRepository)(nil)

func NewStoreRepository(st store.Store) *StoreRepository {
	return &StoreRepository{store: st}
}

func (r *StoreRepository) GetDescriptor(ctx context.Context, ref string) (*schema.CapabilityDescriptor, error) {
	m, err := r.store.GetManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	return decodeDescriptor(m)
}

// Search narrows candidates through the store's text match, then ranks them
// here. The store overfetches so ranking sees the full narrowed set even
// when the caller's limit is small.
func (r *StoreRepository) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	manifests, err := r.store.SearchManifests(ctx, query, limit*4)
	if err != nil {
		return nil, err
	}

	tokens := normalizeQuery(query)
	candidates := make([]Candidate, 0, len(manifests))
	for _, m := range manifests {
		desc, err := decodeDescriptor(m)
		if err != nil {
			return nil, err
		}
		rel := lexicalRelevance(tokens, m, desc)
		if rel <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Descriptor: desc, Relevance: rel})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance > candidates[j].Relevance
		}
		return candidates[i].Descriptor.ManifestID < candidates[j].Descriptor.ManifestID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func decodeDescriptor(m *store.CapabilityManifest) (*schema.CapabilityDescriptor, error) {
	var desc schema.CapabilityDescriptor
	if err := json.Unmarshal(m.Descriptor, &desc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"manifest %s carries a malformed descriptor", m.ManifestID).WithCause(err)
	}
	return &desc, nil
}

// lexicalRelevance scores a manifest in [0,1] as the fraction of query
// tokens present in its searchable text.
func lexicalRelevance(tokens []string, m *store.CapabilityManifest, desc *schema.CapabilityDescriptor) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sb strings.Builder
	sb.WriteString(strings.ToLower(m.Name))
	sb.WriteByte(' ')
	sb.WriteString(strings.ToLower(m.Summary))
	for _, tool := range desc.RequiredTools {
		sb.WriteByte(' ')
		sb.WriteString(strings.ToLower(tool.Name))
	}
	haystack := sb.String()

	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

// StoreHistory reads and records capability run outcomes through the
// control-plane store.
type StoreHistory struct {
	store store.Store
}

var _ History = (*StoreHistory)(nil)

func NewStoreHistory(st store.Store) *StoreHistory {
	return &StoreHistory{store: st}
}

func (h *StoreHistory) Stats(ctx context.Context, manifestID string) (Stats, error) {
	cs, err := h.store.CapabilityStats(ctx, manifestID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Samples: cs.Samples, Successes: cs.Successes}, nil
}

func (h *StoreHistory) RecordOutcome(ctx context.Context, o Outcome) error {
	return h.store.RecordCapabilityRun(ctx, &store.CapabilityRun{
		ManifestID: o.ManifestID,
		WorkflowID: o.WorkflowID,
		State:      o.State,
		OK:         o.OK,
		LatencyMS:  o.Latency.Milliseconds(),
	})
}

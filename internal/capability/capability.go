package capability

import (
	"context"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// Repository finds capability descriptors. Production deployments point this
// at a semantic-search service; StoreRepository covers local use and tests
// with lexical ranking over the manifest catalog.
type Repository interface {
	// GetDescriptor fetches a descriptor by exact manifest id (name@version).
	GetDescriptor(ctx context.Context, ref string) (*schema.CapabilityDescriptor, error)

	// Search ranks descriptors against a free-form need, best first.
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Candidate pairs a descriptor with its relevance to a query, in [0, 1].
type Candidate struct {
	Descriptor *schema.CapabilityDescriptor
	Relevance  float64
}

// History reports recorded execution outcomes per manifest. The resolver uses
// it to veto query matches whose track record contradicts the task context.
type History interface {
	Stats(ctx context.Context, manifestID string) (Stats, error)
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// Stats aggregates recorded runs for one manifest.
type Stats struct {
	Samples   int
	Successes int
}

// SuccessRate is successes over samples; zero samples reads as 0.
func (s Stats) SuccessRate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Samples)
}

// Outcome is one execution result under a descriptor.
type Outcome struct {
	ManifestID string
	WorkflowID string
	State      string
	OK         bool
	Latency    time.Duration
}

// ExecutorContext identifies the caller for gap reporting and outcome
// attribution.
type ExecutorContext struct {
	ExecutorID string
	WorkflowID string
	State      string
}

package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract for the control plane, the
// data plane, and the supporting catalogs.
// All implementations must be safe for concurrent use.
type Store interface {
	// Control plane: workflow meta
	SeedWorkflow(ctx context.Context, meta *WorkflowMeta, records []*StateRecord) error
	GetWorkflowMeta(ctx context.Context, workflowID string) (*WorkflowMeta, error)
	UpdateWorkflowMeta(ctx context.Context, workflowID string, update WorkflowMetaUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowMeta, error)
	SetAborted(ctx context.Context, workflowID string) error

	// Control plane: state records and leases
	GetStateRecord(ctx context.Context, workflowID, state string) (*StateRecord, error)
	ListStateRecords(ctx context.Context, workflowID string) ([]*StateRecord, error)
	MarkReady(ctx context.Context, workflowID, state string) error
	AcquireLease(ctx context.Context, workflowID, state, owner string, ttl time.Duration) (*StateRecord, error)
	RefreshLease(ctx context.Context, workflowID, state string, token int64, ttl time.Duration) error
	ReleaseLease(ctx context.Context, workflowID, state string, token int64) error
	UpdateState(ctx context.Context, workflowID, state string, token int64, update StateUpdate) error
	RecordStateError(ctx context.Context, workflowID, state string, token int64, msg string) error
	ReclaimExpiredLeases(ctx context.Context) ([]*StateRecord, error)

	// Data plane: append-once output envelopes
	AppendEnvelope(ctx context.Context, rec *EnvelopeRecord) error
	LatestEnvelope(ctx context.Context, workflowID, state string) (*EnvelopeRecord, error)
	ListEnvelopes(ctx context.Context, workflowID, state string) ([]*EnvelopeRecord, error)

	// Notification idempotency
	MarkNudgeSeen(ctx context.Context, nudge *Nudge) (bool, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Capability catalog
	PutManifest(ctx context.Context, m *CapabilityManifest) error
	GetManifest(ctx context.Context, manifestID string) (*CapabilityManifest, error)
	ListManifests(ctx context.Context, filter ManifestFilter) ([]*CapabilityManifest, error)
	SearchManifests(ctx context.Context, query string, limit int) ([]*CapabilityManifest, error)
	RecordCapabilityRun(ctx context.Context, run *CapabilityRun) error
	CapabilityStats(ctx context.Context, manifestID string) (*CapabilityStats, error)

	// Definition catalog (publish + import resolution)
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, name, version string) (*Definition, error)
	ListDefinitions(ctx context.Context, limit int) ([]*Definition, error)

	// Executor identity
	RegisterExecutor(ctx context.Context, exec *Executor) error
	GetExecutor(ctx context.Context, id string) (*Executor, error)
	UpdateExecutorSeen(ctx context.Context, id string) error
	ListExecutors(ctx context.Context) ([]*Executor, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

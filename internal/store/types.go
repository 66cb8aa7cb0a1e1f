package store

import (
	"encoding/json"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// WorkflowMeta is the control-plane record of one workflow run.
// Plan holds the compiled executable plan as JSON; PlanHash guards
// idempotent re-seeding.
type WorkflowMeta struct {
	WorkflowID  string                `json:"workflow_id"`
	PlanHash    string                `json:"plan_hash"`
	StartAt     string                `json:"start_at"`
	Status      schema.WorkflowStatus `json:"status"`
	Aborted     bool                  `json:"aborted"`
	Input       json.RawMessage       `json:"input,omitempty"`
	Plan        json.RawMessage       `json:"plan"`
	FinalReport json.RawMessage       `json:"final_report,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// StateRecord is the control-plane record of one state, keyed by
// (workflow_id, state). LeaseToken is a strictly increasing fence; only the
// holder of the current token may move status away from running.
type StateRecord struct {
	WorkflowID   string             `json:"workflow_id"`
	State        string             `json:"state"`
	Type         schema.StateType   `json:"type"`
	Status       schema.StateStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	LeaseToken   int64              `json:"lease_token"`
	LeaseOwner   string             `json:"lease_owner,omitempty"`
	LeaseTS      *time.Time         `json:"lease_ts,omitempty"`
	LeaseTTLSecs int                `json:"lease_ttl_s,omitempty"`
	LeaseExpires *time.Time         `json:"lease_expires_at,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ResolvedNext string             `json:"resolved_next,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// LeaseLive reports whether the record carries an unexpired lease at the
// given instant.
func (r *StateRecord) LeaseLive(now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseExpires != nil && r.LeaseExpires.After(now)
}

// StateUpdate specifies a fenced status change.
type StateUpdate struct {
	Status       schema.StateStatus `json:"status"`
	LastError    string             `json:"last_error,omitempty"`
	ResolvedNext string             `json:"resolved_next,omitempty"`
}

// EnvelopeRecord is the data-plane row for one execution attempt.
type EnvelopeRecord struct {
	WorkflowID string                `json:"workflow_id"`
	State      string                `json:"state"`
	Attempt    int                   `json:"attempt"`
	Envelope   schema.OutputEnvelope `json:"envelope"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Nudge is the consumed-notification record backing nudge_id idempotency.
type Nudge struct {
	NudgeID    string              `json:"nudge_id"`
	WorkflowID string              `json:"workflow_id"`
	State      string              `json:"state"`
	Reason     schema.NotifyReason `json:"reason"`
	SeenAt     time.Time           `json:"seen_at"`
}

// Event is an immutable entry in the append-only audit log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	State      string          `json:"state,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ExecutorID string          `json:"executor_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// CapabilityManifest is a published capability descriptor, searchable by the
// repository.
type CapabilityManifest struct {
	ManifestID string          `json:"manifest_id"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Summary    string          `json:"summary,omitempty"`
	Descriptor json.RawMessage `json:"descriptor"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CapabilityRun records one execution outcome under a descriptor, feeding
// historical-performance queries.
type CapabilityRun struct {
	ID         int64     `json:"id"`
	ManifestID string    `json:"manifest_id"`
	WorkflowID string    `json:"workflow_id"`
	State      string    `json:"state"`
	OK         bool      `json:"ok"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CapabilityStats aggregates run history for one manifest.
type CapabilityStats struct {
	ManifestID  string  `json:"manifest_id"`
	Samples     int     `json:"samples"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Definition is a published, reusable workflow definition. Imports resolve
// against this catalog.
type Definition struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Executor is a registered executor identity.
type Executor struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Kind       string          `json:"kind"` // fleet, external
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// ScheduledJob is a cron-triggered workflow run.
type ScheduledJob struct {
	ID                string          `json:"id"`
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	CronExpression    string          `json:"cron_expression"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           bool            `json:"enabled"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus     string          `json:"last_run_status,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow runs.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowMetaUpdate specifies mutable fields of a workflow run.
type WorkflowMetaUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	FinalReport json.RawMessage        `json:"final_report,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	State      string     `json:"state,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ManifestFilter specifies criteria for listing capability manifests.
type ManifestFilter struct {
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

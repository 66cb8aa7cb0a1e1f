package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// EventLog layers audit-trail operations over a LibSQLStore. State records
// stay authoritative; the log exists for observability and post-hoc replay.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence. Uses an immediate write lock so concurrent appenders cannot
// interleave sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone may start a deferred transaction. A
	// write-intent statement forces the lock before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, state, event_type, payload, executor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.State), event.Type, nullRaw(event.Payload),
		nullStr(event.ExecutorID), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayedState is the per-state projection rebuilt from the audit log.
// Comparing it against the live StateRecord catches divergence between what
// executors reported and what the control plane recorded.
type ReplayedState struct {
	WorkflowID string             `json:"workflow_id"`
	State      string             `json:"state"`
	Status     schema.StateStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	LeaseToken int64              `json:"lease_token"`
	LastOwner  string             `json:"last_owner,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	Fenced     int                `json:"fenced_writes,omitempty"`
}

type leaseEventPayload struct {
	Owner   string `json:"owner,omitempty"`
	Token   int64  `json:"token,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReplayEvents rebuilds per-state projections for a workflow from its audit
// log. Returns an error when the sequence has gaps, which indicates log loss.
func (el *EventLog) ReplayEvents(ctx context.Context, workflowID string) (map[string]*ReplayedState, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*ReplayedState)
	if len(events) == 0 {
		return states, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.State == "" {
			continue
		}

		rs, ok := states[e.State]
		if !ok {
			rs = &ReplayedState{
				WorkflowID: workflowID,
				State:      e.State,
				Status:     schema.StateStatusPending,
			}
			states[e.State] = rs
		}

		var p leaseEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}

		switch e.Type {
		case schema.EventLeaseAcquired:
			rs.Status = schema.StateStatusRunning
			rs.Attempts++
			if p.Token > rs.LeaseToken {
				rs.LeaseToken = p.Token
			}
			if p.Owner != "" {
				rs.LastOwner = p.Owner
			}
			if rs.StartedAt == nil {
				ts := e.Timestamp
				rs.StartedAt = &ts
			}

		case schema.EventLeaseReleased, schema.EventLeaseReclaimed:
			if !rs.Status.Terminal() {
				rs.Status = schema.StateStatusPending
			}

		case schema.EventStateDone:
			rs.Status = schema.StateStatusDone
			ts := e.Timestamp
			rs.FinishedAt = &ts

		case schema.EventStateFailed:
			rs.Status = schema.StateStatusFailed
			ts := e.Timestamp
			rs.FinishedAt = &ts
			if p.Error != "" {
				rs.LastError = p.Error
			}

		case schema.EventStateRetrying:
			if p.Error != "" {
				rs.LastError = p.Error
			}

		case schema.EventFenceRejected:
			rs.Fenced++
		}
	}

	return states, nil
}

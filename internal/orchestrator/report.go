package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Report is the run's final accounting. Counts cover live states only;
// Skipped is the non-taken choice arms. FailedStates carries the last error
// of every permanently failed state, which is what makes a partial completion
// report actionable.
type Report struct {
	WorkflowID   string                `json:"workflow_id"`
	Status       schema.WorkflowStatus `json:"status"`
	Done         int                   `json:"done"`
	Failed       int                   `json:"failed"`
	Incomplete   int                   `json:"incomplete"`
	Skipped      int                   `json:"skipped"`
	FailedStates map[string]string     `json:"failed_states,omitempty"`
	FinishedAt   time.Time             `json:"finished_at"`
}

// Finalize computes the run's terminal status and persists it with the
// report. Succeeded iff every live state is done; any failed live state
// makes the run failed; an aborted run finalizes as aborted regardless of
// what completed before the flag was observed.
func (r *Runtime) Finalize(ctx context.Context, workflowID string) (*Report, error) {
	meta, err := r.store.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	plan, err := compiler.UnmarshalPlan(meta.Plan)
	if err != nil {
		return nil, err
	}
	records, err := r.store.ListStateRecords(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	live := notify.LiveSet(plan, records)
	report := &Report{
		WorkflowID:   workflowID,
		FailedStates: make(map[string]string),
		FinishedAt:   time.Now().UTC(),
	}
	for _, rec := range records {
		if !live[rec.State] {
			report.Skipped++
			continue
		}
		switch rec.Status {
		case schema.StateStatusDone:
			report.Done++
		case schema.StateStatusFailed:
			report.Failed++
			report.FailedStates[rec.State] = rec.LastError
		default:
			report.Incomplete++
		}
	}

	switch {
	case meta.Aborted:
		report.Status = schema.WorkflowStatusAborted
	case report.Failed > 0 || report.Incomplete > 0:
		report.Status = schema.WorkflowStatusFailed
	default:
		report.Status = schema.WorkflowStatusSucceeded
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	finished := report.FinishedAt
	if err := r.store.UpdateWorkflowMeta(ctx, workflowID, store.WorkflowMetaUpdate{
		Status:      &report.Status,
		FinalReport: raw,
		FinishedAt:  &finished,
	}); err != nil {
		return nil, err
	}

	eventType := schema.EventWorkflowSucceeded
	if report.Status != schema.WorkflowStatusSucceeded {
		eventType = schema.EventWorkflowFailed
	}
	if report.Status == schema.WorkflowStatusAborted {
		eventType = schema.EventWorkflowAborted
	}
	r.event(ctx, workflowID, "", eventType, map[string]any{
		"done":    report.Done,
		"failed":  report.Failed,
		"skipped": report.Skipped,
	})
	r.logger.Info("workflow finalized",
		slog.String("workflow_id", workflowID),
		slog.String("status", string(report.Status)),
		slog.Int("done", report.Done),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

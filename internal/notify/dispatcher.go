package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Dispatcher is the choreography engine. After a state finishes it computes
// which downstream states became ready and nudges the fleet, one fresh
// nudge_id per ready state. It never marks anything running; the lease
// arbitrates, the dispatcher only points executors at work.
type Dispatcher struct {
	store  store.Store
	bus    Bus
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given store and bus.
func NewDispatcher(st store.Store, bus Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, bus: bus, logger: logger}
}

// DispatchInitial publishes the run's first nudge, targeting the start state.
func (d *Dispatcher) DispatchInitial(ctx context.Context, workflowID string) error {
	meta, err := d.store.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		return err
	}
	if meta.Aborted || meta.Status.Terminal() {
		return nil
	}
	return d.publish(ctx, workflowID, meta.StartAt, schema.ReasonInitial)
}

// Dispatch fans out from a finished source state: every live downstream
// state whose live upstreams are all done is promoted to pending and nudged.
// Returns the nudged state names.
//
// Fan-in falls out of the readiness rule: a join state is nudged only by the
// dispatch of its last finishing upstream, and earlier nudges from faster
// branches die at the consumer's readiness re-check.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID, sourceState string, reason schema.NotifyReason) ([]string, error) {
	meta, err := d.store.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if meta.Aborted || meta.Status.Terminal() {
		d.logger.Debug("dispatch skipped, workflow finished",
			slog.String("workflow_id", workflowID),
			slog.String("source", sourceState),
		)
		return nil, nil
	}

	plan, err := compiler.UnmarshalPlan(meta.Plan)
	if err != nil {
		return nil, err
	}
	records, err := d.stateMap(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	live := liveStates(plan, records)

	var nudged []string
	for _, next := range plan.DownstreamOf(sourceState) {
		if !live[next] {
			continue
		}
		rec := records[next]
		if rec == nil || rec.Status.Terminal() || rec.Status == schema.StateStatusRunning {
			continue
		}
		if !upstreamsDone(plan, records, live, next) {
			continue
		}
		if err := d.store.MarkReady(ctx, workflowID, next); err != nil {
			return nudged, err
		}
		if err := d.publish(ctx, workflowID, next, reason); err != nil {
			return nudged, err
		}
		nudged = append(nudged, next)
	}
	return nudged, nil
}

// CheckReady re-verifies readiness against the control plane: the state is
// live, pending, and every live upstream is done. Executors call this between
// receiving a nudge and attempting the lease, which is what makes stale and
// duplicate nudges harmless.
func (d *Dispatcher) CheckReady(ctx context.Context, workflowID, state string) (bool, error) {
	meta, err := d.store.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if meta.Aborted || meta.Status.Terminal() {
		return false, nil
	}

	plan, err := compiler.UnmarshalPlan(meta.Plan)
	if err != nil {
		return false, err
	}
	records, err := d.stateMap(ctx, workflowID)
	if err != nil {
		return false, err
	}
	rec := records[state]
	if rec == nil {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "state %s/%s has no record", workflowID, state)
	}
	if rec.Status != schema.StateStatusPending {
		return false, nil
	}

	live := liveStates(plan, records)
	if !live[state] {
		return false, nil
	}
	return upstreamsDone(plan, records, live, state), nil
}

// ConsumeNudge claims the nudge id. False means another consumer already
// claimed this exact nudge and the message must be dropped.
func (d *Dispatcher) ConsumeNudge(ctx context.Context, n schema.Notification) (bool, error) {
	return d.store.MarkNudgeSeen(ctx, &store.Nudge{
		NudgeID:    n.NudgeID,
		WorkflowID: n.WorkflowID,
		State:      n.State,
		Reason:     n.Reason,
		SeenAt:     time.Now().UTC(),
	})
}

// Renotify publishes fresh nudges for states the sweeper put back to pending.
func (d *Dispatcher) Renotify(ctx context.Context, records []*store.StateRecord) error {
	for _, rec := range records {
		if err := d.publish(ctx, rec.WorkflowID, rec.State, schema.ReasonUpstreamDone); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, workflowID, state string, reason schema.NotifyReason) error {
	n := schema.Notification{
		Type:       schema.NotificationType,
		WorkflowID: workflowID,
		State:      state,
		Reason:     reason,
		NudgeID:    uuid.New().String(),
	}
	if err := d.bus.Publish(ctx, n); err != nil {
		return schema.NewErrorf(schema.ErrCodeInternal, "publish nudge for %s/%s: %v", workflowID, state, err).WithCause(err)
	}
	d.logger.Info("nudge published",
		slog.String("workflow_id", workflowID),
		slog.String("state", state),
		slog.String("reason", string(reason)),
		slog.String("nudge_id", n.NudgeID),
	)
	return nil
}

func (d *Dispatcher) stateMap(ctx context.Context, workflowID string) (map[string]*store.StateRecord, error) {
	list, err := d.store.ListStateRecords(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*store.StateRecord, len(list))
	for _, rec := range list {
		m[rec.State] = rec
	}
	return m, nil
}

// LiveSet returns the states that can still run in this execution, given the
// current records. The orchestrator uses it for finalization: non-live states
// are skipped arms, not incomplete work.
func LiveSet(plan *compiler.ExecutablePlan, records []*store.StateRecord) map[string]bool {
	m := make(map[string]*store.StateRecord, len(records))
	for _, rec := range records {
		m[rec.State] = rec
	}
	return liveStates(plan, m)
}

// liveStates walks the plan from the start state, following every branch of
// parallel states but only the resolved arm of completed choice states.
// States outside the returned set cannot run in this execution, so they drop
// out of readiness requirements; that is how the non-taken arms of a choice
// stop blocking a downstream join.
func liveStates(plan *compiler.ExecutablePlan, records map[string]*store.StateRecord) map[string]bool {
	live := make(map[string]bool, len(plan.States))

	var visit func(name string)
	visit = func(name string) {
		if live[name] {
			return
		}
		live[name] = true

		def, ok := plan.StateDef(name)
		if !ok {
			return
		}
		if def.Type == schema.StateTypeChoice {
			if rec := records[name]; rec != nil && rec.ResolvedNext != "" {
				visit(rec.ResolvedNext)
				return
			}
		}
		for _, next := range def.Targets() {
			visit(next)
		}
	}
	visit(plan.StartAt)
	return live
}

// upstreamsDone reports whether every live upstream of state is done.
func upstreamsDone(plan *compiler.ExecutablePlan, records map[string]*store.StateRecord, live map[string]bool, state string) bool {
	for _, up := range plan.UpstreamOf(state) {
		if !live[up] {
			continue
		}
		rec := records[up]
		if rec == nil || rec.Status != schema.StateStatusDone {
			return false
		}
	}
	return true
}

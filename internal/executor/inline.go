package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// runInline executes a non-task state under a lease. These states carry no
// capability bindings and never retry: their bodies are deterministic, so
// any failure is definitional and permanent. The phase pipeline passes
// through Resolving and Loaded untouched.
func (e *Executor) runInline(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, def schema.StateDefinition) error {
	wf := meta.WorkflowID

	if err := e.transition(PhaseLeasing); err != nil {
		return err
	}
	rec, err := e.store.AcquireLease(ctx, wf, state, e.id, e.cfg.LeaseTTL)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeLeaseConflict) {
			e.logger.Debug("lease contention, standing down",
				slog.String("workflow_id", wf),
				slog.String("state", state),
			)
			return e.transition(PhaseIdle)
		}
		return err
	}
	e.event(ctx, wf, state, schema.EventLeaseAcquired, map[string]any{
		"token":    rec.LeaseToken,
		"attempts": rec.Attempts,
	})

	for _, p := range []Phase{PhaseResolving, PhaseLoaded, PhaseExecuting} {
		if err := e.transition(p); err != nil {
			return err
		}
	}
	e.event(ctx, wf, state, schema.EventStateStarted, map[string]any{"attempt": rec.Attempts})

	started := time.Now()
	envelope := schema.OutputEnvelope{OK: true, Data: json.RawMessage(`{}`)}
	update := store.StateUpdate{Status: schema.StateStatusDone}

	switch def.Type {
	case schema.StateTypeParallel:
		envelope.Summary = "fan-out"

	case schema.StateTypeChoice:
		next, cerr := e.evaluateChoice(ctx, meta, plan, state, def, rec.Attempts)
		if cerr != nil {
			return e.failState(ctx, wf, state, rec.LeaseToken, cerr)
		}
		envelope.Summary = "resolved to " + next
		envelope.Data = json.RawMessage(fmt.Sprintf(`{"resolved_next":%q}`, next))
		update.ResolvedNext = next
		e.event(ctx, wf, state, schema.EventChoiceResolved, map[string]any{"resolved_next": next})

	case schema.StateTypeWait:
		if werr := e.waitInline(ctx, wf, state, rec.LeaseToken, def.WaitSeconds); werr != nil {
			if schema.IsCode(werr, schema.ErrCodeFenceRejected) {
				e.event(ctx, wf, state, schema.EventFenceRejected, nil)
				return nil
			}
			// Abort or shutdown mid-wait: leave the state pending.
			e.standDown(ctx, wf, state, rec.LeaseToken, "canceled during wait")
			return nil
		}
		envelope.Summary = fmt.Sprintf("waited %ds", def.WaitSeconds)

	case schema.StateTypePass:
		data, perr := e.passData(ctx, meta, plan, state, def, rec.Attempts)
		if perr != nil {
			return e.failState(ctx, wf, state, rec.LeaseToken, perr)
		}
		envelope.Data = data

	case schema.StateTypeSucceed:
		envelope.Summary = "succeeded"

	case schema.StateTypeFail:
		msg := def.Error
		if msg == "" {
			msg = "fail state reached"
		}
		if def.Cause != "" {
			msg += ": " + def.Cause
		}
		envelope.OK = false
		envelope.Summary = msg
		update = store.StateUpdate{Status: schema.StateStatusFailed, LastError: msg}

	default:
		return e.failState(ctx, wf, state, rec.LeaseToken,
			schema.NewErrorf(schema.ErrCodeValidation, "state type %q has no inline body", def.Type).WithState(state))
	}

	if err := e.transition(PhaseReporting); err != nil {
		return err
	}
	envelope.Metrics = schema.EnvelopeMetrics{
		LatencyMS: time.Since(started).Milliseconds(),
		Engine:    "inline",
	}
	if err := e.store.AppendEnvelope(ctx, &store.EnvelopeRecord{
		WorkflowID: wf,
		State:      state,
		Attempt:    rec.Attempts,
		Envelope:   envelope,
	}); err != nil {
		return err
	}
	e.event(ctx, wf, state, schema.EventEnvelopeWritten, map[string]any{
		"attempt": rec.Attempts,
		"ok":      envelope.OK,
	})

	if err := e.store.UpdateState(ctx, wf, state, rec.LeaseToken, update); err != nil {
		if schema.IsCode(err, schema.ErrCodeFenceRejected) {
			e.event(ctx, wf, state, schema.EventFenceRejected, nil)
			return nil
		}
		return err
	}

	if update.Status == schema.StateStatusDone {
		e.event(ctx, wf, state, schema.EventStateDone, map[string]any{"attempt": rec.Attempts})
		return e.release(ctx, wf, state, rec.LeaseToken, true)
	}
	e.event(ctx, wf, state, schema.EventStateFailed, map[string]any{"error": update.LastError})
	return e.release(ctx, wf, state, rec.LeaseToken, false)
}

// evaluateChoice returns the first branch whose condition holds. An empty
// condition is the default arm and always matches.
func (e *Executor) evaluateChoice(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, def schema.StateDefinition, attempt int) (string, error) {
	scope, _, _, err := e.buildScope(ctx, meta, plan, state, attempt)
	if err != nil {
		return "", err
	}
	vars := scope.Vars()

	for _, branch := range def.Branches {
		if branch.When == "" {
			return branch.Next, nil
		}
		match, err := e.cel.EvaluateBool(ctx, branch.When, vars)
		if err != nil {
			return "", err
		}
		if match {
			return branch.Next, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation,
		"no choice branch matched and no default is declared").WithState(state)
}

// waitInline blocks for the state's wait duration with the lease heartbeat
// running, since the wait may outlive the lease TTL.
func (e *Executor) waitInline(ctx context.Context, workflowID, state string, token int64, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.startHeartbeat(ctx, cancel, workflowID, state, token)
	defer stop()

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	case <-waitCtx.Done():
		if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return waitCtx.Err()
	}
}

// passData resolves a pass state's parameter document into its envelope.
func (e *Executor) passData(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, def schema.StateDefinition, attempt int) (json.RawMessage, error) {
	if len(def.Parameters) == 0 {
		return json.RawMessage(`{}`), nil
	}
	scope, _, _, err := e.buildScope(ctx, meta, plan, state, attempt)
	if err != nil {
		return nil, err
	}
	return e.interp.Resolve(ctx, def.Parameters, scope)
}

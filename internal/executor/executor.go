package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/reasoning"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/pkg/schema"
)

// DefaultLeaseTTL is the lease duration when the config does not set one.
// The heartbeat refreshes at a third of the TTL, so a wedged executor loses
// its lease after at most one TTL.
const DefaultLeaseTTL = 60 * time.Second

// errWorkflowAborted is the cancellation cause the heartbeat injects when it
// observes the cooperative abort flag mid-execution.
var errWorkflowAborted = schema.NewError(schema.ErrCodeCanceled, "workflow aborted")

// Config holds executor tuning.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Deps bundles the executor's collaborators. History, Artifacts, and the
// vault behind the interpolator are optional; everything else is required.
type Deps struct {
	Store      store.Store
	Resolver   *capability.Resolver
	Loader     *capability.Loader
	Binder     *tools.Binder
	Breakers   *tools.BreakerSet
	History    capability.History
	Reasoner   reasoning.Executor
	Dispatcher *notify.Dispatcher
	Interp     *expressions.Interpolator
	Artifacts  ArtifactStore
}

// Executor runs one workflow state at a time: it consumes a nudge, acquires
// the lease, resolves and loads capabilities, delegates the task body to the
// reasoning collaborator, reports the envelope under the lease fence, and
// dispatches downstream. Non-task states execute inline without capability
// machinery.
//
// HandleNudge is not safe for concurrent use on one executor; a fleet runs
// one consumer goroutine per executor.
type Executor struct {
	id string

	store      store.Store
	resolver   *capability.Resolver
	loader     *capability.Loader
	binder     *tools.Binder
	breakers   *tools.BreakerSet
	history    capability.History
	reasoner   reasoning.Executor
	dispatcher *notify.Dispatcher
	interp     *expressions.Interpolator
	cel        *expressions.CELEngine
	jq         *expressions.GoJQEngine
	artifacts  ArtifactStore
	logger     *slog.Logger

	cfg Config

	mu    sync.Mutex
	phase Phase
}

// New creates an executor identified by id. The id is the lease owner
// recorded in the control plane, so it must be unique within a fleet.
func New(id string, deps Deps, cfg Config, logger *slog.Logger) (*Executor, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor id is required")
	}
	if deps.Reasoner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "reasoning executor is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Interp == nil {
		deps.Interp = expressions.NewInterpolator(nil)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Executor{
		id:         id,
		store:      deps.Store,
		resolver:   deps.Resolver,
		loader:     deps.Loader,
		binder:     deps.Binder,
		breakers:   deps.Breakers,
		history:    deps.History,
		reasoner:   deps.Reasoner,
		dispatcher: deps.Dispatcher,
		interp:     deps.Interp,
		cel:        cel,
		jq:         expressions.NewGoJQEngine(),
		artifacts:  deps.Artifacts,
		logger:     logger,
		cfg:        cfg,
		phase:      PhaseIdle,
	}, nil
}

// ID returns the executor identity used as lease owner.
func (e *Executor) ID() string { return e.id }

// HandleNudge processes one notification end to end. Redelivered nudges,
// nudges for states that are no longer ready, and lease contention all stand
// down silently; only infrastructure failures surface as errors.
func (e *Executor) HandleNudge(ctx context.Context, n schema.Notification) error {
	if e.Phase() != PhaseIdle {
		e.logger.Debug("nudge dropped: executor busy",
			slog.String("executor_id", e.id),
			slog.String("workflow_id", n.WorkflowID),
			slog.String("state", n.State),
		)
		return nil
	}

	fresh, err := e.dispatcher.ConsumeNudge(ctx, n)
	if err != nil {
		return err
	}
	if !fresh {
		e.logger.Debug("nudge already consumed",
			slog.String("nudge_id", n.NudgeID),
			slog.String("state", n.State),
		)
		return nil
	}

	ready, err := e.dispatcher.CheckReady(ctx, n.WorkflowID, n.State)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			e.logger.Warn("nudge for unknown state dropped",
				slog.String("workflow_id", n.WorkflowID),
				slog.String("state", n.State),
			)
			return nil
		}
		return err
	}
	if !ready {
		return nil
	}

	meta, err := e.store.GetWorkflowMeta(ctx, n.WorkflowID)
	if err != nil {
		return err
	}
	plan, err := compiler.UnmarshalPlan(meta.Plan)
	if err != nil {
		return err
	}
	def, ok := plan.StateDef(n.State)
	if !ok {
		e.logger.Warn("nudge names a state the plan does not define",
			slog.String("workflow_id", n.WorkflowID),
			slog.String("state", n.State),
		)
		return nil
	}

	defer e.resetPhase()

	if def.Type == schema.StateTypeTask {
		return e.runTask(ctx, meta, plan, n.State, def)
	}
	return e.runInline(ctx, meta, plan, n.State, def)
}

// runTask drives the full phase pipeline for a task state, cycling through
// the lease on transient failures until the attempts ceiling.
func (e *Executor) runTask(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, def schema.StateDefinition) error {
	wf := meta.WorkflowID
	ceiling := def.Retry.Ceiling()

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

	if rec.Attempts > ceiling {
		return e.failState(ctx, wf, state, rec.LeaseToken,
			schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"attempts ceiling %d exhausted", ceiling).WithState(state))
	}

	escalated := false
	for {
		result, caller, latency, execErr := e.attemptTask(ctx, meta, plan, state, def, rec, &escalated)

		if execErr == nil {
			reportErr := e.reportResult(ctx, wf, state, def, rec, result, caller, latency)
			if reportErr == nil && result.OK {
				return e.release(ctx, wf, state, rec.LeaseToken, true)
			}
			if reportErr != nil {
				execErr = reportErr
			} else {
				execErr = schema.NewErrorf(schema.ErrCodeToolExecution,
					"task reported failure: %s", result.Summary).WithState(state)
			}
		}

		// Abort and lost leases stand down without touching the record:
		// the sweeper or the finalizer owns what happens next.
		if errors.Is(execErr, errWorkflowAborted) || errors.Is(execErr, context.Canceled) {
			e.standDown(ctx, wf, state, rec.LeaseToken, "canceled")
			return nil
		}
		if schema.IsCode(execErr, schema.ErrCodeFenceRejected) {
			e.event(ctx, wf, state, schema.EventFenceRejected, nil)
			e.logger.Warn("lease lost mid-run",
				slog.String("workflow_id", wf),
				slog.String("state", state),
			)
			return nil
		}

		if !IsRetryable(execErr) || rec.Attempts >= ceiling {
			return e.failState(ctx, wf, state, rec.LeaseToken, execErr)
		}

		// Transient: record the error, give up the lease, back off, and go
		// back through acquisition so attempts stays the single counter.
		if err := e.transition(PhaseRetrying); err != nil {
			return err
		}
		if err := e.store.RecordStateError(ctx, wf, state, rec.LeaseToken, execErr.Error()); err != nil {
			e.logger.Warn("record state error failed", slog.Any("error", err))
		}
		if err := e.store.ReleaseLease(ctx, wf, state, rec.LeaseToken); err != nil {
			e.logger.Warn("release lease for retry failed", slog.Any("error", err))
		}
		e.event(ctx, wf, state, schema.EventStateRetrying, map[string]any{
			"attempts": rec.Attempts,
			"error":    execErr.Error(),
		})

		if err := WaitForBackoff(ctx, ComputeBackoff(def.Retry, rec.Attempts)); err != nil {
			return e.transition(PhaseIdle)
		}

		current, err := e.store.GetWorkflowMeta(ctx, wf)
		if err != nil {
			return err
		}
		if current.Aborted || current.Status.Terminal() {
			return e.transition(PhaseIdle)
		}

		rec, err = e.store.AcquireLease(ctx, wf, state, e.id, e.cfg.LeaseTTL)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeLeaseConflict) {
				return e.transition(PhaseIdle)
			}
			return err
		}
		if rec.Attempts > ceiling {
			return e.failState(ctx, wf, state, rec.LeaseToken,
				schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"attempts ceiling %d exhausted", ceiling).WithState(state))
		}
	}
}

// attemptTask runs one attempt: resolve, load, bind, delegate to reasoning.
// Capabilities loaded for the attempt are always unloaded on the way out;
// outcomes are recorded against every descriptor that reached execution.
func (e *Executor) attemptTask(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, def schema.StateDefinition, rec *store.StateRecord, escalated *bool) (*reasoning.TaskResult, *stateToolCaller, time.Duration, error) {
	wf := meta.WorkflowID

	if err := e.transition(PhaseResolving); err != nil {
		return nil, nil, 0, err
	}
	execCtx := capability.ExecutorContext{ExecutorID: e.id, WorkflowID: wf, State: state}

	var active []*schema.CapabilityDescriptor
	var boundTools []tools.Tool
	defer func() {
		for _, d := range active {
			e.binder.Unbind(d)
			e.loader.Unload(e.id, d.ManifestID)
			e.event(ctx, wf, state, schema.EventCapabilityUnloaded, map[string]any{"manifest_id": d.ManifestID})
		}
	}()

	for _, binding := range def.CapabilityBindings {
		desc, bt, berr := e.admitBinding(ctx, wf, state, execCtx, binding, escalated)
		if berr != nil {
			return nil, nil, 0, berr
		}
		active = append(active, desc)
		boundTools = append(boundTools, bt...)
	}
	if err := e.transition(PhaseLoaded); err != nil {
		return nil, nil, 0, err
	}

	scope, input, upstream, err := e.buildScope(ctx, meta, plan, state, rec.Attempts)
	if err != nil {
		return nil, nil, 0, err
	}
	params, err := e.composeParameters(ctx, def, scope)
	if err != nil {
		return nil, nil, 0, err
	}

	if err := e.transition(PhaseExecuting); err != nil {
		return nil, nil, 0, err
	}
	e.event(ctx, wf, state, schema.EventStateStarted, map[string]any{"attempt": rec.Attempts})

	caller := newStateToolCaller(e.id, wf, state, boundTools, e.loader.Secrets(e.id), e.breakers, e.logger)
	task := &reasoning.TaskContext{
		WorkflowID: wf,
		State:      state,
		Attempt:    rec.Attempts,
		Directives: e.loader.Directives(e.id),
		Parameters: params,
		Input:      input,
		Upstream:   upstream,
		Tools:      caller,
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if def.TimeoutSeconds > 0 {
		runCtx, cancelTimeout = context.WithTimeout(runCtx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)
	stop := e.startHeartbeat(ctx, cancelCause, wf, state, rec.LeaseToken)

	started := time.Now()
	result, execErr := e.reasoner.Execute(runCtx, task)
	latency := time.Since(started)
	stop()

	ok := execErr == nil && result != nil && result.OK
	for _, d := range active {
		e.recordOutcome(ctx, d.ManifestID, wf, state, ok, latency)
	}

	if execErr != nil {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, nil, latency, schema.NewErrorf(schema.ErrCodeTimeout,
					"state timed out after %ds", def.TimeoutSeconds).WithState(state).WithCause(execErr)
			}
			return nil, nil, latency, cause
		}
		return nil, nil, latency, execErr
	}
	if err := reasoning.ValidateResult(result); err != nil {
		return nil, nil, latency, err
	}
	return result, caller, latency, nil
}

// admitBinding resolves one binding and loads its descriptor. A capability
// gap at resolution and a load or bind failure take the same exit: one
// alternative-descriptor swap per run, after which any failure is final for
// this state.
func (e *Executor) admitBinding(ctx context.Context, wf, state string, execCtx capability.ExecutorContext, binding schema.CapabilityBinding, escalated *bool) (*schema.CapabilityDescriptor, []tools.Tool, error) {
	descs, rerr := e.resolver.Resolve(ctx, []schema.CapabilityBinding{binding}, execCtx)
	if rerr != nil {
		if !schema.IsCode(rerr, schema.ErrCodeCapabilityGap) {
			return nil, nil, rerr
		}
		e.event(ctx, wf, state, schema.EventCapabilityGap, map[string]any{"error": rerr.Error()})
		alt, aerr := e.escalate(ctx, wf, state, binding, excludeForGap(binding), rerr, escalated)
		if aerr != nil {
			return nil, nil, aerr
		}
		bt, lerr := e.loadAndBind(ctx, wf, state, alt)
		if lerr != nil {
			return nil, nil, lerr
		}
		return alt, bt, nil
	}

	desc := descs[0]
	bt, lerr := e.loadAndBind(ctx, wf, state, desc)
	if lerr == nil {
		return desc, bt, nil
	}
	alt, aerr := e.escalate(ctx, wf, state, binding, []string{desc.ManifestID}, lerr, escalated)
	if aerr != nil {
		return nil, nil, aerr
	}
	bt, lerr = e.loadAndBind(ctx, wf, state, alt)
	if lerr != nil {
		return nil, nil, lerr
	}
	return alt, bt, nil
}

// escalate spends the run's one alternative-descriptor swap: record the
// event and ask the resolver for the next-best candidate with the failed
// manifests excluded. When the budget is already spent or no alternative
// resolves, the original cause comes back to the caller.
func (e *Executor) escalate(ctx context.Context, wf, state string, binding schema.CapabilityBinding, exclude []string, cause error, escalated *bool) (*schema.CapabilityDescriptor, error) {
	if *escalated {
		return nil, cause
	}
	*escalated = true
	if err := e.transition(PhaseEscalating); err != nil {
		return nil, err
	}
	e.event(ctx, wf, state, schema.EventCapabilityEscalated, map[string]any{
		"excluded": exclude,
		"error":    cause.Error(),
	})
	alt, aerr := e.resolver.ResolveAlternative(ctx, binding, exclude)
	if aerr != nil {
		return nil, cause
	}
	return alt, nil
}

// excludeForGap names the manifests the escalation retry must avoid. An
// explicit ref that gapped is excluded by its own id, which drops the
// resolver into the name-based fallback so sibling versions can serve; a
// gapped query excludes nothing.
func excludeForGap(binding schema.CapabilityBinding) []string {
	if binding.Ref != "" {
		return []string{binding.Ref}
	}
	return nil
}

// loadAndBind admits one descriptor into the active set and binds its tools.
// A bind failure unloads the descriptor so the set stays consistent.
func (e *Executor) loadAndBind(ctx context.Context, workflowID, state string, desc *schema.CapabilityDescriptor) ([]tools.Tool, error) {
	if err := e.loader.Load(ctx, e.id, desc); err != nil {
		return nil, err
	}
	bt, err := e.binder.Bind(ctx, desc, e.loader.Secrets(e.id))
	if err != nil {
		e.loader.Unload(e.id, desc.ManifestID)
		return nil, err
	}
	e.event(ctx, workflowID, state, schema.EventCapabilityLoaded, map[string]any{
		"manifest_id": desc.ManifestID,
		"tools":       len(bt),
	})
	return bt, nil
}

// reportResult writes the attempt's envelope: result path applied, artifacts
// offloaded, append-once insert. It does not change the state status; the
// caller decides done versus retry from result.OK.
func (e *Executor) reportResult(ctx context.Context, workflowID, state string, def schema.StateDefinition, rec *store.StateRecord, result *reasoning.TaskResult, caller *stateToolCaller, latency time.Duration) error {
	if err := e.transition(PhaseReporting); err != nil {
		return err
	}

	data := result.Data
	if def.ResultPath != "" && len(data) > 0 {
		mapped, err := e.jq.ApplyResultPath(ctx, data, def.ResultPath)
		if err != nil {
			return err
		}
		data = mapped
	}
	data, refs, err := e.offloadArtifacts(ctx, workflowID, state, data)
	if err != nil {
		return err
	}

	toolCalls := result.ToolCalls
	if caller != nil && caller.Calls() > toolCalls {
		toolCalls = caller.Calls()
	}
	envelope := schema.OutputEnvelope{
		OK:      result.OK,
		Summary: result.Summary,
		Data:    data,
		Metrics: schema.EnvelopeMetrics{
			LatencyMS: latency.Milliseconds(),
			ToolCalls: toolCalls,
			Engine:    e.reasoner.Name(),
		},
		Artifacts: refs,
	}
	if err := e.store.AppendEnvelope(ctx, &store.EnvelopeRecord{
		WorkflowID: workflowID,
		State:      state,
		Attempt:    rec.Attempts,
		Envelope:   envelope,
	}); err != nil {
		return err
	}
	e.event(ctx, workflowID, state, schema.EventEnvelopeWritten, map[string]any{
		"attempt": rec.Attempts,
		"ok":      result.OK,
	})

	if result.OK {
		if err := e.store.UpdateState(ctx, workflowID, state, rec.LeaseToken, store.StateUpdate{
			Status: schema.StateStatusDone,
		}); err != nil {
			return err
		}
		e.event(ctx, workflowID, state, schema.EventStateDone, map[string]any{"attempt": rec.Attempts})
		e.logger.Info("state done",
			slog.String("workflow_id", workflowID),
			slog.String("state", state),
			slog.Int("attempt", rec.Attempts),
			slog.Int64("latency_ms", latency.Milliseconds()),
		)
	}
	return nil
}

// failState marks the state permanently failed under the fence, halting
// propagation on this branch.
func (e *Executor) failState(ctx context.Context, workflowID, state string, token int64, cause error) error {
	if e.Phase() != PhaseReporting {
		if err := e.transition(PhaseReporting); err != nil {
			return err
		}
	}
	if err := e.store.UpdateState(ctx, workflowID, state, token, store.StateUpdate{
		Status:    schema.StateStatusFailed,
		LastError: cause.Error(),
	}); err != nil {
		if schema.IsCode(err, schema.ErrCodeFenceRejected) {
			e.event(ctx, workflowID, state, schema.EventFenceRejected, nil)
			return nil
		}
		return err
	}
	e.event(ctx, workflowID, state, schema.EventStateFailed, map[string]any{"error": cause.Error()})
	e.logger.Warn("state failed",
		slog.String("workflow_id", workflowID),
		slog.String("state", state),
		slog.String("error", cause.Error()),
	)
	return e.release(ctx, workflowID, state, token, false)
}

// release drops the lease and, after a successful completion, dispatches
// downstream notifications. Failed states never dispatch.
func (e *Executor) release(ctx context.Context, workflowID, state string, token int64, dispatch bool) error {
	if err := e.transition(PhaseReleased); err != nil {
		return err
	}
	if err := e.store.ReleaseLease(ctx, workflowID, state, token); err != nil && !schema.IsCode(err, schema.ErrCodeFenceRejected) {
		e.logger.Warn("release lease failed", slog.Any("error", err))
	}
	e.event(ctx, workflowID, state, schema.EventLeaseReleased, nil)

	if dispatch {
		if _, err := e.dispatcher.Dispatch(ctx, workflowID, state, schema.ReasonUpstreamDone); err != nil {
			e.logger.Warn("downstream dispatch failed",
				slog.String("workflow_id", workflowID),
				slog.String("state", state),
				slog.Any("error", err),
			)
		}
	}
	return e.transition(PhaseIdle)
}

// standDown releases the lease without judging the state, leaving the record
// pending for a later nudge or the sweeper.
func (e *Executor) standDown(ctx context.Context, workflowID, state string, token int64, reason string) {
	if err := e.store.ReleaseLease(ctx, workflowID, state, token); err != nil && !schema.IsCode(err, schema.ErrCodeFenceRejected) {
		e.logger.Warn("release lease failed", slog.Any("error", err))
	}
	e.logger.Debug("stood down",
		slog.String("workflow_id", workflowID),
		slog.String("state", state),
		slog.String("reason", reason),
	)
}

// startHeartbeat keeps the lease fresh while the reasoning collaborator
// works, and cancels the run when the lease is lost or the workflow is
// aborted. The returned stop function must be called when execution ends.
func (e *Executor) startHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, workflowID, state string, token int64) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := e.store.RefreshLease(ctx, workflowID, state, token, e.cfg.LeaseTTL); err != nil {
				if schema.IsCode(err, schema.ErrCodeFenceRejected) {
					cancel(err)
					return
				}
				e.logger.Warn("lease refresh failed",
					slog.String("workflow_id", workflowID),
					slog.String("state", state),
					slog.Any("error", err),
				)
				continue
			}

			meta, err := e.store.GetWorkflowMeta(ctx, workflowID)
			if err != nil {
				e.logger.Warn("abort check failed", slog.Any("error", err))
				continue
			}
			if meta.Aborted {
				cancel(errWorkflowAborted)
				return
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// buildScope assembles the expression scope and the reasoning inputs from
// upstream envelopes. Upstreams without an envelope (pruned choice arms) are
// skipped.
func (e *Executor) buildScope(ctx context.Context, meta *store.WorkflowMeta, plan *compiler.ExecutablePlan, state string, attempt int) (*expressions.Scope, map[string]any, map[string]any, error) {
	var input map[string]any
	if len(meta.Input) > 0 {
		if err := json.Unmarshal(meta.Input, &input); err != nil {
			return nil, nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow input is not a JSON object: %s", err.Error()).WithState(state)
		}
	}
	scope := expressions.NewScope(input, map[string]any{
		"workflow_id": meta.WorkflowID,
		"state":       state,
		"attempt":     attempt,
	})

	upstream := make(map[string]any)
	for _, up := range plan.UpstreamOf(state) {
		env, err := e.store.LatestEnvelope(ctx, meta.WorkflowID, up)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return nil, nil, nil, err
		}
		if err := scope.AddStateOutput(up, env.Envelope.Data); err != nil {
			return nil, nil, nil, err
		}
		upstream[up] = env.Envelope.DataMap()
	}
	return scope, input, upstream, nil
}

// composeParameters interpolates the state's parameter document against the
// scope. Parameters must resolve to a JSON object.
func (e *Executor) composeParameters(ctx context.Context, def schema.StateDefinition, scope *expressions.Scope) (map[string]any, error) {
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	resolved, err := e.interp.Resolve(ctx, def.Parameters, scope)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(resolved, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parameters did not resolve to a JSON object: %s", err.Error())
	}
	return params, nil
}

// recordOutcome feeds the capability history. Recording is advisory; a
// failure here never affects the run.
func (e *Executor) recordOutcome(ctx context.Context, manifestID, workflowID, state string, ok bool, latency time.Duration) {
	if e.history == nil {
		return
	}
	err := e.history.RecordOutcome(ctx, capability.Outcome{
		ManifestID: manifestID,
		WorkflowID: workflowID,
		State:      state,
		OK:         ok,
		Latency:    latency,
	})
	if err != nil {
		e.logger.Warn("record capability outcome failed",
			slog.String("manifest_id", manifestID),
			slog.Any("error", err),
		)
	}
}

// event appends an audit entry. The log is advisory: a write failure is
// logged and execution continues.
func (e *Executor) event(ctx context.Context, workflowID, state, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	err := e.store.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		State:      state,
		Type:       eventType,
		Payload:    raw,
		ExecutorID: e.id,
	})
	if err != nil {
		e.logger.Warn("append event failed",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
	}
}

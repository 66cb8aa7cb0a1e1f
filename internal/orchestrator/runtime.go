package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/executor"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Defaults for runtime tuning.
const (
	DefaultFleetSize     = 4
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultSweepInterval = 5 * time.Second
)

// Options holds orchestrator tuning. Zero values fall back to defaults.
type Options struct {
	FleetSize     int
	PollInterval  time.Duration
	SweepInterval time.Duration
	Executor      executor.Config
}

func (o Options) withDefaults() Options {
	if o.FleetSize <= 0 {
		o.FleetSize = DefaultFleetSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Deps bundles the runtime's collaborators. ExecDeps is the collaborator set
// handed to every fleet executor; its Store and Dispatcher must match the
// runtime's.
type Deps struct {
	Store      store.Store
	Compiler   *compiler.Compiler
	Dispatcher *notify.Dispatcher
	Bus        notify.Bus
	ExecDeps   executor.Deps
	Metrics    *metrics.Collector
}

// Runtime compiles, seeds, and drives workflow runs to completion. There is
// no central scheduling loop: the fleet reacts to nudges, and the runtime
// only watches for quiescence, re-nudges stalled work, and finalizes.
type Runtime struct {
	store      store.Store
	compiler   *compiler.Compiler
	dispatcher *notify.Dispatcher
	bus        notify.Bus
	execDeps   executor.Deps
	metrics    *metrics.Collector
	opts       Options
	logger     *slog.Logger
}

// New creates a Runtime.
func New(deps Deps, opts Options, logger *slog.Logger) (*Runtime, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "store is required")
	}
	if deps.Compiler == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compiler is required")
	}
	if deps.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatcher is required")
	}
	if deps.Bus == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:      deps.Store,
		compiler:   deps.Compiler,
		dispatcher: deps.Dispatcher,
		bus:        deps.Bus,
		execDeps:   deps.ExecDeps,
		metrics:    deps.Metrics,
		opts:       opts.withDefaults(),
		logger:     logger,
	}, nil
}

// Seed compiles the definition and creates the run's control-plane records:
// pending for the start state and every zero-upstream state, blocked
// otherwise. Seeding is idempotent; re-seeding under a different plan hash is
// a conflict.
func (r *Runtime) Seed(ctx context.Context, def *schema.WorkflowDefinition, input json.RawMessage) (*compiler.ExecutablePlan, error) {
	plan, err := r.compiler.Compile(ctx, def)
	if err != nil {
		return nil, err
	}
	raw, err := plan.Marshal()
	if err != nil {
		return nil, err
	}

	pending := make(map[string]bool, len(plan.Roots)+1)
	pending[plan.StartAt] = true
	for _, root := range plan.Roots {
		pending[root] = true
	}

	meta := &store.WorkflowMeta{
		WorkflowID: plan.WorkflowID,
		PlanHash:   plan.Hash,
		StartAt:    plan.StartAt,
		Status:     schema.WorkflowStatusRunning,
		Input:      input,
		Plan:       raw,
	}
	records := make([]*store.StateRecord, 0, len(plan.States))
	for _, name := range plan.Sorted {
		status := schema.StateStatusBlocked
		if pending[name] {
			status = schema.StateStatusPending
		}
		records = append(records, &store.StateRecord{
			WorkflowID: plan.WorkflowID,
			State:      name,
			Type:       plan.States[name].Type,
			Status:     status,
		})
	}
	if err := r.store.SeedWorkflow(ctx, meta, records); err != nil {
		return nil, err
	}

	r.metrics.WorkflowSeeded()
	r.event(ctx, plan.WorkflowID, "", schema.EventWorkflowSeeded, map[string]any{
		"plan_hash": plan.Hash,
		"states":    len(plan.States),
	})
	r.logger.Info("workflow seeded",
		slog.String("workflow_id", plan.WorkflowID),
		slog.Int("states", len(plan.States)),
	)
	return plan, nil
}

// Run executes a workflow definition end to end: seed, spawn the fleet,
// dispatch the initial nudge, wait for quiescence, finalize, destroy the
// fleet. A run that ends with failed states returns the partial-completion
// report, not an error; errors mean the run itself could not proceed.
func (r *Runtime) Run(ctx context.Context, def *schema.WorkflowDefinition, input json.RawMessage) (*Report, error) {
	started := time.Now()

	plan, err := r.Seed(ctx, def, input)
	if err != nil {
		return nil, err
	}

	fleet := NewFleet(r.opts.FleetSize, r.execDeps, r.opts.Executor, r.bus, r.metrics, r.logger)
	if err := fleet.Start(ctx); err != nil {
		return nil, err
	}
	defer fleet.Stop()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := NewSweeper(r.store, r.dispatcher, r.opts.SweepInterval, r.metrics, r.logger)
	go sweeper.Run(sweepCtx)

	if err := r.dispatcher.DispatchInitial(ctx, plan.WorkflowID); err != nil {
		return nil, err
	}

	if err := r.awaitQuiescence(ctx, plan.WorkflowID); err != nil {
		return nil, err
	}
	report, err := r.Finalize(ctx, plan.WorkflowID)
	if err != nil {
		return nil, err
	}
	r.metrics.WorkflowFinished(string(report.Status), time.Since(started))
	return report, nil
}

// RunDefinition runs a published definition from the catalog under a fresh
// run ID, so repeated runs (scheduled or manual) never collide on the
// control plane.
func (r *Runtime) RunDefinition(ctx context.Context, name, version string, input json.RawMessage) (*Report, error) {
	rec, err := r.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition %s@%s is not valid JSON: %s", rec.Name, rec.Version, err.Error()).WithCause(err)
	}
	def.WorkflowID = fmt.Sprintf("%s-%s", rec.Name, uuid.New().String()[:8])
	return r.Run(ctx, &def, input)
}

// Abort sets the cooperative abort flag. In-flight executors observe it
// through their heartbeat; nothing new is dispatched afterwards.
func (r *Runtime) Abort(ctx context.Context, workflowID string) error {
	if err := r.store.SetAborted(ctx, workflowID); err != nil {
		return err
	}
	r.event(ctx, workflowID, "", schema.EventWorkflowAborted, nil)
	r.logger.Info("workflow abort requested", slog.String("workflow_id", workflowID))
	return nil
}

// awaitQuiescence polls the control plane until no live state is running and
// none can become ready. Ready-but-unleased states found along the way are
// re-nudged; that is the stall recovery for nudges lost on a best-effort
// transport or dropped by a saturated fleet.
func (r *Runtime) awaitQuiescence(ctx context.Context, workflowID string) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		meta, err := r.store.GetWorkflowMeta(ctx, workflowID)
		if err != nil {
			return err
		}
		plan, err := compiler.UnmarshalPlan(meta.Plan)
		if err != nil {
			return err
		}
		records, err := r.store.ListStateRecords(ctx, workflowID)
		if err != nil {
			return err
		}

		byName := make(map[string]*store.StateRecord, len(records))
		for _, rec := range records {
			byName[rec.State] = rec
		}
		live := notify.LiveSet(plan, records)
		upstreamsDone := func(state string) bool {
			for _, up := range plan.UpstreamOf(state) {
				if !live[up] {
					continue
				}
				rec := byName[up]
				if rec == nil || rec.Status != schema.StateStatusDone {
					return false
				}
			}
			return true
		}

		now := time.Now()
		running := false
		var stalled []*store.StateRecord
		for _, rec := range records {
			if !live[rec.State] || rec.Status.Terminal() {
				continue
			}
			if rec.Status == schema.StateStatusRunning {
				// Expired leases belong to the sweeper, not to us.
				if rec.LeaseLive(now) {
					running = true
				}
				continue
			}
			if meta.Aborted || rec.LeaseLive(now) || !upstreamsDone(rec.State) {
				continue
			}
			// Ready but unleased: pending means a nudge went missing,
			// blocked means the promotion itself went missing.
			if rec.Status == schema.StateStatusBlocked {
				if err := r.store.MarkReady(ctx, workflowID, rec.State); err != nil {
					return err
				}
			}
			stalled = append(stalled, rec)
		}

		if running {
			continue
		}
		if len(stalled) > 0 {
			if err := r.dispatcher.Renotify(ctx, stalled); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

// event appends an audit entry; failures are logged, never fatal.
func (r *Runtime) event(ctx context.Context, workflowID, state, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	err := r.store.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		State:      state,
		Type:       eventType,
		Payload:    raw,
	})
	if err != nil {
		r.logger.Warn("append event failed",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
	}
}

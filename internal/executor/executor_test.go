package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/reasoning"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/pkg/schema"
)

// testBus records published nudges so tests can assert on dispatch.
type testBus struct {
	mu        sync.Mutex
	published []schema.Notification
}

func (b *testBus) Publish(_ context.Context, n schema.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, n)
	return nil
}

func (b *testBus) Subscribe(_ context.Context, _ string) (<-chan schema.Notification, func(), error) {
	return make(chan schema.Notification), func() {}, nil
}

func (b *testBus) take() []schema.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.published
	b.published = nil
	return out
}

// echoTool is the builtin backing test capabilities: it returns its params.
type echoTool struct{}

func (t *echoTool) Name() string { return "echo" }
func (t *echoTool) Schema() tools.ToolSchema {
	return tools.ToolSchema{Description: "echo the params back"}
}
func (t *echoTool) Validate(map[string]any) error { return nil }
func (t *echoTool) Invoke(_ context.Context, inv tools.Invocation) (*tools.Result, error) {
	data, err := json.Marshal(inv.Params)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: data}, nil
}

// harness wires a full executor against a real store, real resolution, and a
// scripted reasoning collaborator.
type harness struct {
	store    *store.LibSQLStore
	bus      *testBus
	scripted *reasoning.ScriptedExecutor
	disp     *notify.Dispatcher
	exec     *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "executor.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&echoTool{}))

	repo := capability.NewStoreRepository(st)
	history := capability.NewStoreHistory(st)
	bus := &testBus{}
	disp := notify.NewDispatcher(st, bus, nil)
	scripted := reasoning.NewScriptedExecutor()

	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Second
	}

	exec, err := New("exec-test-1", Deps{
		Store:      st,
		Resolver:   capability.NewResolver(repo, history, nil),
		Loader:     capability.NewLoader(nil, schema.EgressInternet, nil),
		Binder:     tools.NewBinder(registry, tools.NewProviderManager(nil)),
		Breakers:   tools.NewBreakerSet(tools.DefaultBreakerConfig()),
		History:    history,
		Reasoner:   scripted,
		Dispatcher: disp,
		Interp:     expressions.NewInterpolator(nil),
	}, cfg, nil)
	require.NoError(t, err)

	return &harness{store: st, bus: bus, scripted: scripted, disp: disp, exec: exec}
}

// publishCapability stores a manifest backed by the echo builtin.
func (h *harness) publishCapability(t *testing.T, manifestID, summary, toolName, directives string) {
	t.Helper()
	name, version, err := schema.ParseManifestID(manifestID)
	require.NoError(t, err)

	desc := &schema.CapabilityDescriptor{
		ManifestID: manifestID,
		Directives: directives,
		RequiredTools: []schema.ToolSpec{
			{Name: toolName, Binding: schema.ToolBindingBuiltin, Target: "echo"},
		},
		Permissions: schema.Permissions{Egress: schema.EgressNone},
	}
	raw, err := json.Marshal(desc)
	require.NoError(t, err)

	require.NoError(t, h.store.PutManifest(context.Background(), &store.CapabilityManifest{
		ManifestID: manifestID,
		Name:       name,
		Version:    version,
		Summary:    summary,
		Descriptor: raw,
		Enabled:    true,
	}))
}

// seedWorkflow compiles and seeds a definition: start pending, rest blocked.
func (h *harness) seedWorkflow(t *testing.T, def *schema.WorkflowDefinition, input map[string]any) *compiler.ExecutablePlan {
	t.Helper()
	c, err := compiler.New(nil, nil)
	require.NoError(t, err)
	plan, err := c.Compile(context.Background(), def)
	require.NoError(t, err)
	raw, err := plan.Marshal()
	require.NoError(t, err)

	var rawInput json.RawMessage
	if input != nil {
		rawInput, err = json.Marshal(input)
		require.NoError(t, err)
	}
	meta := &store.WorkflowMeta{
		WorkflowID: plan.WorkflowID,
		PlanHash:   plan.Hash,
		StartAt:    plan.StartAt,
		Status:     schema.WorkflowStatusRunning,
		Input:      rawInput,
		Plan:       raw,
	}
	var records []*store.StateRecord
	for stateName, stateDef := range plan.States {
		status := schema.StateStatusBlocked
		if stateName == plan.StartAt {
			status = schema.StateStatusPending
		}
		records = append(records, &store.StateRecord{
			WorkflowID: plan.WorkflowID,
			State:      stateName,
			Type:       stateDef.Type,
			Status:     status,
		})
	}
	require.NoError(t, h.store.SeedWorkflow(context.Background(), meta, records))
	return plan
}

// completeState drives a state to done outside the executor, with an
// envelope so downstream scopes can read its output.
func (h *harness) completeState(t *testing.T, workflowID, state string, data map[string]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.MarkReady(ctx, workflowID, state))
	rec, err := h.store.AcquireLease(ctx, workflowID, state, "exec-other", time.Minute)
	require.NoError(t, err)
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, h.store.AppendEnvelope(ctx, &store.EnvelopeRecord{
		WorkflowID: workflowID,
		State:      state,
		Attempt:    rec.Attempts,
		Envelope:   schema.OutputEnvelope{OK: true, Data: raw},
	}))
	require.NoError(t, h.store.UpdateState(ctx, workflowID, state, rec.LeaseToken, store.StateUpdate{
		Status: schema.StateStatusDone,
	}))
	_, err = h.disp.Dispatch(ctx, workflowID, state, schema.ReasonUpstreamDone)
	require.NoError(t, err)
	h.bus.take()
}

func nudge(workflowID, state string) schema.Notification {
	return schema.Notification{
		Type:       schema.NotificationType,
		WorkflowID: workflowID,
		State:      state,
		Reason:     schema.ReasonInitial,
		NudgeID:    uuid.New().String(),
	}
}

func (h *harness) record(t *testing.T, workflowID, state string) *store.StateRecord {
	t.Helper()
	rec, err := h.store.GetStateRecord(context.Background(), workflowID, state)
	require.NoError(t, err)
	return rec
}

func (h *harness) eventTypes(t *testing.T, workflowID string) []string {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), workflowID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// twoStepDef is a fetch -> report chain of task states.
func twoStepDef(workflowID string, retry *schema.RetryPolicy) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: workflowID,
		StartAt:    "fetch",
		States: map[string]schema.StateDefinition{
			"fetch": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Query: "fetch web pages"}},
				Retry:              retry,
				Next:               "report",
			},
			"report": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Query: "write summary report"}},
				End:                true,
			},
		},
	}
}

func TestHandleNudge_TaskHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages over http", "fetch_page", "Fetch pages.")
	h.seedWorkflow(t, twoStepDef("wf-happy", nil), nil)
	h.scripted.ScriptData("fetch", map[string]any{"count": 3})

	err := h.exec.HandleNudge(context.Background(), nudge("wf-happy", "fetch"))
	require.NoError(t, err)

	rec := h.record(t, "wf-happy", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, PhaseIdle, h.exec.Phase())

	env, err := h.store.LatestEnvelope(context.Background(), "wf-happy", "fetch")
	require.NoError(t, err)
	assert.True(t, env.Envelope.OK)
	assert.JSONEq(t, `{"count":3}`, string(env.Envelope.Data))
	assert.Equal(t, "scripted", env.Envelope.Metrics.Engine)

	// Downstream got nudged and promoted.
	msgs := h.bus.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "report", msgs[0].State)
	assert.Equal(t, schema.StateStatusPending, h.record(t, "wf-happy", "report").Status)
}

func TestHandleNudge_DuplicateNudgeDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-dup", nil), nil)
	h.scripted.ScriptData("fetch", map[string]any{})

	n := nudge("wf-dup", "fetch")
	require.NoError(t, h.exec.HandleNudge(context.Background(), n))
	require.NoError(t, h.exec.HandleNudge(context.Background(), n))

	assert.Equal(t, 1, h.scripted.Calls("fetch"))
}

func TestHandleNudge_RedundantNudgeForDoneState(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-done", nil), nil)
	h.completeState(t, "wf-done", "fetch", map[string]any{"count": 1})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-done", "fetch")))
	assert.Equal(t, 0, h.scripted.Calls("fetch"))
}

func TestHandleNudge_LeaseContention(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	plan := h.seedWorkflow(t, twoStepDef("wf-contend", nil), nil)

	ctx := context.Background()
	_, err := h.store.AcquireLease(ctx, "wf-contend", "fetch", "exec-rival", time.Minute)
	require.NoError(t, err)

	// The readiness check drops a nudge for a state someone else is running.
	require.NoError(t, h.exec.HandleNudge(ctx, nudge("wf-contend", "fetch")))
	assert.Equal(t, 0, h.scripted.Calls("fetch"))

	// Losing the acquisition race itself also stands down cleanly.
	meta, err := h.store.GetWorkflowMeta(ctx, "wf-contend")
	require.NoError(t, err)
	def, _ := plan.StateDef("fetch")
	require.NoError(t, h.exec.runTask(ctx, meta, plan, "fetch", def))
	assert.Equal(t, 0, h.scripted.Calls("fetch"))
	assert.Equal(t, PhaseIdle, h.exec.Phase())

	rec := h.record(t, "wf-contend", "fetch")
	assert.Equal(t, "exec-rival", rec.LeaseOwner)
	assert.Equal(t, schema.StateStatusRunning, rec.Status)
}

func TestRunTask_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	retry := &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", DelayMS: 1}
	h.seedWorkflow(t, twoStepDef("wf-retry", retry), nil)

	attempts := 0
	h.scripted.Script("fetch", func(_ context.Context, _ *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		attempts++
		if attempts < 3 {
			return nil, schema.NewError(schema.ErrCodeToolExecution, "upstream flaked")
		}
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{"count":9}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-retry", "fetch")))

	rec := h.record(t, "wf-retry", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "upstream flaked")

	envs, err := h.store.ListEnvelopes(context.Background(), "wf-retry", "fetch")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, 3, envs[0].Attempt)
}

func TestRunTask_RetryExhausted(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	retry := &schema.RetryPolicy{MaxAttempts: 2, Backoff: "constant", DelayMS: 1}
	h.seedWorkflow(t, twoStepDef("wf-exhaust", retry), nil)
	h.scripted.ScriptError("fetch", schema.NewError(schema.ErrCodeToolExecution, "always down"))

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-exhaust", "fetch")))

	rec := h.record(t, "wf-exhaust", "fetch")
	assert.Equal(t, schema.StateStatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "always down")
	assert.Equal(t, 2, h.scripted.Calls("fetch"))

	// Failure halts the branch.
	assert.Empty(t, h.bus.take())
	assert.Equal(t, schema.StateStatusBlocked, h.record(t, "wf-exhaust", "report").Status)
	assert.Contains(t, h.eventTypes(t, "wf-exhaust"), schema.EventStateFailed)
}

func TestRunTask_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-fatal", nil), nil)
	h.scripted.ScriptError("fetch", schema.NewError(schema.ErrCodePermissionDenied, "token revoked"))

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-fatal", "fetch")))

	rec := h.record(t, "wf-fatal", "fetch")
	assert.Equal(t, schema.StateStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, h.scripted.Calls("fetch"))
}

func TestRunTask_ReportedFailureRetriesWithEnvelopes(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	retry := &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", DelayMS: 1}
	h.seedWorkflow(t, twoStepDef("wf-notok", retry), nil)

	attempts := 0
	h.scripted.Script("fetch", func(_ context.Context, _ *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		attempts++
		if attempts == 1 {
			return &reasoning.TaskResult{OK: false, Summary: "source empty", Data: json.RawMessage(`{}`)}, nil
		}
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{"count":1}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-notok", "fetch")))

	rec := h.record(t, "wf-notok", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	// Both attempts left an envelope; the latest one wins.
	envs, err := h.store.ListEnvelopes(context.Background(), "wf-notok", "fetch")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.False(t, envs[0].Envelope.OK)
	assert.True(t, envs[1].Envelope.OK)
}

func TestRunTask_CapabilityGapFailsState(t *testing.T) {
	h := newHarness(t, Config{})
	// No manifest published: the query cannot resolve.
	h.seedWorkflow(t, twoStepDef("wf-gap", nil), nil)

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-gap", "fetch")))

	rec := h.record(t, "wf-gap", "fetch")
	assert.Equal(t, schema.StateStatusFailed, rec.Status)
	assert.Equal(t, 0, h.scripted.Calls("fetch"))

	// The gap was escalated, but with an empty catalog the alternative
	// resolution gaps too and the state fails permanently.
	types := h.eventTypes(t, "wf-gap")
	assert.Contains(t, types, schema.EventCapabilityGap)
	assert.Contains(t, types, schema.EventCapabilityEscalated)
}

func TestRunTask_MissingRefEscalatesToSibling(t *testing.T) {
	h := newHarness(t, Config{})
	// The binding pins 2.0.0 but only 1.0.0 is published. The resolve-time
	// gap escalates, and the name fallback serves the published sibling.
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "sibling directives")

	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-sibling",
		StartAt:    "fetch",
		States: map[string]schema.StateDefinition{
			"fetch": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "web-fetch@2.0.0"}},
				End:                true,
			},
		},
	}
	h.seedWorkflow(t, def, nil)

	var directives []string
	h.scripted.Script("fetch", func(_ context.Context, task *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		directives = task.Directives
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-sibling", "fetch")))

	rec := h.record(t, "wf-sibling", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, h.scripted.Calls("fetch"))
	assert.Equal(t, []string{"sibling directives"}, directives)

	types := h.eventTypes(t, "wf-sibling")
	assert.Contains(t, types, schema.EventCapabilityGap)
	assert.Contains(t, types, schema.EventCapabilityEscalated)
}

func TestRunTask_EscalationSwapsDescriptor(t *testing.T) {
	h := newHarness(t, Config{})
	// The best match binds a tool to a builtin that does not exist, so the
	// bind fails and escalation swaps to the weaker match.
	name, version, err := schema.ParseManifestID("web-fetch@2.0.0")
	require.NoError(t, err)
	broken := &schema.CapabilityDescriptor{
		ManifestID: "web-fetch@2.0.0",
		RequiredTools: []schema.ToolSpec{
			{Name: "fetch_page", Binding: schema.ToolBindingBuiltin, Target: "no_such_builtin"},
		},
		Permissions: schema.Permissions{Egress: schema.EgressNone},
	}
	rawBroken, err := json.Marshal(broken)
	require.NoError(t, err)
	require.NoError(t, h.store.PutManifest(context.Background(), &store.CapabilityManifest{
		ManifestID: "web-fetch@2.0.0",
		Name:       name,
		Version:    version,
		Summary:    "fetch web pages fast",
		Descriptor: rawBroken,
		Enabled:    true,
	}))
	h.publishCapability(t, "page-reader@1.0.0", "fetch pages", "fetch_page", "")

	h.seedWorkflow(t, twoStepDef("wf-swap", nil), nil)
	h.scripted.ScriptData("fetch", map[string]any{"ok": true})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-swap", "fetch")))

	rec := h.record(t, "wf-swap", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 1, h.scripted.Calls("fetch"))
	assert.Contains(t, h.eventTypes(t, "wf-swap"), schema.EventCapabilityEscalated)
}

func TestRunTask_HistoryVetoSwapsDescriptor(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages quickly", "fetch_page", "primary directives")
	h.publishCapability(t, "page-reader@1.0.0", "fetch pages", "fetch_page", "fallback directives")

	// Four failures on record: the next recorded failure crosses the sample
	// floor and the resolver starts vetoing the primary.
	for range 4 {
		require.NoError(t, h.store.RecordCapabilityRun(context.Background(), &store.CapabilityRun{
			ManifestID: "web-fetch@1.0.0",
			WorkflowID: "wf-older",
			State:      "fetch",
			OK:         false,
		}))
	}

	retry := &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", DelayMS: 1}
	h.seedWorkflow(t, twoStepDef("wf-veto", retry), nil)

	var mu sync.Mutex
	var directives [][]string
	h.scripted.Script("fetch", func(_ context.Context, task *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		mu.Lock()
		directives = append(directives, task.Directives)
		mu.Unlock()
		if task.Attempt == 1 {
			return nil, schema.NewError(schema.ErrCodeToolExecution, "primary keeps failing")
		}
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-veto", "fetch")))

	rec := h.record(t, "wf-veto", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	require.Len(t, directives, 2)
	assert.Equal(t, []string{"primary directives"}, directives[0])
	assert.Equal(t, []string{"fallback directives"}, directives[1])
}

func TestRunTask_AttemptsCeilingAtAcquisition(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-ceiling", nil), nil)

	// Burn the default ceiling through lease churn before any nudge lands.
	ctx := context.Background()
	for range schema.DefaultMaxAttempts {
		rec, err := h.store.AcquireLease(ctx, "wf-ceiling", "fetch", "exec-crashy", time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.store.ReleaseLease(ctx, "wf-ceiling", "fetch", rec.LeaseToken))
	}

	require.NoError(t, h.exec.HandleNudge(ctx, nudge("wf-ceiling", "fetch")))

	rec := h.record(t, "wf-ceiling", "fetch")
	assert.Equal(t, schema.StateStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "ceiling")
	assert.Equal(t, 0, h.scripted.Calls("fetch"))
}

func TestRunTask_AbortCancelsExecution(t *testing.T) {
	h := newHarness(t, Config{LeaseTTL: 2 * time.Second, HeartbeatInterval: 20 * time.Millisecond})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-abort", nil), nil)

	started := make(chan struct{})
	h.scripted.Script("fetch", func(ctx context.Context, _ *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})

	done := make(chan error, 1)
	go func() {
		done <- h.exec.HandleNudge(context.Background(), nudge("wf-abort", "fetch"))
	}()

	<-started
	require.NoError(t, h.store.SetAborted(context.Background(), "wf-abort"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stand down after abort")
	}

	// Stood down: the record is pending again, not failed.
	rec := h.record(t, "wf-abort", "fetch")
	assert.Equal(t, schema.StateStatusPending, rec.Status)
	assert.Empty(t, rec.LeaseOwner)
}

func TestRunTask_TimeoutRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	def := twoStepDef("wf-timeout", &schema.RetryPolicy{MaxAttempts: 2, Backoff: "constant", DelayMS: 1})
	fetch := def.States["fetch"]
	fetch.TimeoutSeconds = 1
	def.States["fetch"] = fetch
	h.seedWorkflow(t, def, nil)

	attempts := 0
	h.scripted.Script("fetch", func(ctx context.Context, _ *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-timeout", "fetch")))

	rec := h.record(t, "wf-timeout", "fetch")
	assert.Equal(t, schema.StateStatusDone, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestRunTask_ParametersReachReasoning(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.publishCapability(t, "report-writer@1.0.0", "write summary report", "write_report", "")

	def := twoStepDef("wf-params", nil)
	report := def.States["report"]
	report.Parameters = json.RawMessage(`{"source_count":"${{states.fetch.output.count}}","audience":"${{input.audience}}"}`)
	def.States["report"] = report
	h.seedWorkflow(t, def, map[string]any{"audience": "ops"})
	h.completeState(t, "wf-params", "fetch", map[string]any{"count": 7})

	var got *reasoning.TaskContext
	h.scripted.Script("report", func(_ context.Context, task *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		got = task
		return &reasoning.TaskResult{OK: true, Data: json.RawMessage(`{}`)}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-params", "report")))

	require.NotNil(t, got)
	assert.Equal(t, float64(7), got.Parameters["source_count"])
	assert.Equal(t, "ops", got.Parameters["audience"])
	assert.Equal(t, map[string]any{"count": float64(7)}, got.Upstream["fetch"])
	assert.Equal(t, "ops", got.Input["audience"])
}

func TestRunTask_ToolCallsFlowThroughCaller(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")
	h.seedWorkflow(t, twoStepDef("wf-tools", nil), nil)

	h.scripted.Script("fetch", func(ctx context.Context, task *reasoning.TaskContext) (*reasoning.TaskResult, error) {
		infos := task.Tools.Tools()
		require.Len(t, infos, 1)
		require.Equal(t, "fetch_page", infos[0].Name)

		out, err := task.Tools.CallTool(ctx, "fetch_page", map[string]any{"url": "https://example.com"})
		if err != nil {
			return nil, err
		}
		return &reasoning.TaskResult{OK: true, Data: out, ToolCalls: 1}, nil
	})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-tools", "fetch")))

	env, err := h.store.LatestEnvelope(context.Background(), "wf-tools", "fetch")
	require.NoError(t, err)
	assert.True(t, env.Envelope.OK)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(env.Envelope.Data))
	assert.Equal(t, 1, env.Envelope.Metrics.ToolCalls)
}

func TestRunTask_ResultPathProjectsData(t *testing.T) {
	h := newHarness(t, Config{})
	h.publishCapability(t, "web-fetch@1.0.0", "fetch web pages", "fetch_page", "")

	def := twoStepDef("wf-rpath", nil)
	fetch := def.States["fetch"]
	fetch.ResultPath = ".items | length"
	def.States["fetch"] = fetch
	h.seedWorkflow(t, def, nil)
	h.scripted.ScriptData("fetch", map[string]any{"items": []any{"a", "b", "c"}})

	require.NoError(t, h.exec.HandleNudge(context.Background(), nudge("wf-rpath", "fetch")))

	env, err := h.store.LatestEnvelope(context.Background(), "wf-rpath", "fetch")
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(env.Envelope.Data))
}

func TestNew_RequiresReasoner(t *testing.T) {
	_, err := New("exec-1", Deps{}, Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning executor")
}

func TestNew_Defaults(t *testing.T) {
	e, err := New("exec-1", Deps{Reasoner: reasoning.NewScriptedExecutor()}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultLeaseTTL, e.cfg.LeaseTTL)
	assert.Equal(t, DefaultLeaseTTL/3, e.cfg.HeartbeatInterval)
	assert.Equal(t, PhaseIdle, e.Phase())
	assert.Equal(t, "exec-1", e.ID())
}

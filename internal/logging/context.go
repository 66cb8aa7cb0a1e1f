package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	stateKey
	executorIDKey
	nudgeIDKey
)

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithState returns a context with the state name set.
func WithState(ctx context.Context, state string) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

// WithExecutorID returns a context with the executor ID set.
func WithExecutorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executorIDKey, id)
}

// WithNudgeID returns a context with the notification idempotency token set.
func WithNudgeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nudgeIDKey, id)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// State extracts the state name from the context, or "" if absent.
func State(ctx context.Context) string {
	v, _ := ctx.Value(stateKey).(string)
	return v
}

// ExecutorID extracts the executor ID from the context, or "" if absent.
func ExecutorID(ctx context.Context) string {
	v, _ := ctx.Value(executorIDKey).(string)
	return v
}

// NudgeID extracts the nudge ID from the context, or "" if absent.
func NudgeID(ctx context.Context) string {
	v, _ := ctx.Value(nudgeIDKey).(string)
	return v
}

// WithIDs sets the workflow, state, and executor correlation IDs at once.
func WithIDs(ctx context.Context, workflowID, state, executorID string) context.Context {
	ctx = WithWorkflowID(ctx, workflowID)
	ctx = WithState(ctx, state)
	ctx = WithExecutorID(ctx, executorID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := WorkflowID(ctx); v != "" {
		logger = logger.With(slog.String("workflow_id", v))
	}
	if v := State(ctx); v != "" {
		logger = logger.With(slog.String("state", v))
	}
	if v := ExecutorID(ctx); v != "" {
		logger = logger.With(slog.String("executor_id", v))
	}
	if v := NudgeID(ctx); v != "" {
		logger = logger.With(slog.String("nudge_id", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	if v := State(ctx); v != "" {
		r.AddAttrs(slog.String("state", v))
	}
	if v := ExecutorID(ctx); v != "" {
		r.AddAttrs(slog.String("executor_id", v))
	}
	if v := NudgeID(ctx); v != "" {
		r.AddAttrs(slog.String("nudge_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

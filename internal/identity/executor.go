package identity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Executor kind constants. Fleet executors are spawned and destroyed by the
// orchestrator; external executors register themselves and consume nudges on
// their own.
const (
	KindFleet    = "fleet"
	KindExternal = "external"
)

var validKinds = map[string]bool{
	KindFleet:    true,
	KindExternal: true,
}

// ValidateKind checks that kind is one of the valid executor kinds.
func ValidateKind(kind string) error {
	if !validKinds[kind] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid executor kind %q: must be one of fleet, external", kind)
	}
	return nil
}

// ValidateExecutor checks required fields on an Executor record.
func ValidateExecutor(exec *store.Executor) error {
	if exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor id is required")
	}
	return ValidateKind(exec.Kind)
}

// EnsureRegistered retrieves an existing executor or registers a new one.
// If the executor exists, it updates last_seen_at and returns the stored
// record. If not found, it registers the executor and returns the new record.
func EnsureRegistered(ctx context.Context, s store.Store, id, name, kind string, metadata json.RawMessage) (*store.Executor, error) {
	existing, err := s.GetExecutor(ctx, id)
	if err == nil {
		_ = s.UpdateExecutorSeen(ctx, id)
		return existing, nil
	}

	var werr *schema.WeftError
	if !errors.As(err, &werr) || werr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	exec := &store.Executor{
		ID:       id,
		Name:     name,
		Kind:     kind,
		Metadata: metadata,
	}
	if err := ValidateExecutor(exec); err != nil {
		return nil, err
	}
	if err := s.RegisterExecutor(ctx, exec); err != nil {
		return nil, err
	}
	return s.GetExecutor(ctx, id)
}

// Heartbeat records that the executor is still alive. A missing record is
// not an error here; fleet executors may outlive a vacuumed store.
func Heartbeat(ctx context.Context, s store.Store, id string) error {
	err := s.UpdateExecutorSeen(ctx, id)
	if err != nil && schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

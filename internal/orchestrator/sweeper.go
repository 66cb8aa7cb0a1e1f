package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// Sweeper is the crash safety net: expired leases mean their executor died
// or wedged, so their states go back to pending and get a fresh nudge. The
// fence survives the reclaim, which keeps a resurrected executor's late
// writes rejected.
type Sweeper struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	interval   time.Duration
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewSweeper creates a sweeper with the given reclaim interval.
func NewSweeper(st store.Store, dispatcher *notify.Dispatcher, interval time.Duration, collector *metrics.Collector, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      st,
		dispatcher: dispatcher,
		interval:   interval,
		metrics:    collector,
		logger:     logger,
	}
}

// Run sweeps until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("lease sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep performs one reclaim pass and re-nudges the reclaimed states.
func (s *Sweeper) Sweep(ctx context.Context) error {
	reclaimed, err := s.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		return err
	}
	if len(reclaimed) == 0 {
		return nil
	}

	s.metrics.LeasesReclaimed(len(reclaimed))
	for _, rec := range reclaimed {
		s.logger.Warn("expired lease reclaimed",
			slog.String("workflow_id", rec.WorkflowID),
			slog.String("state", rec.State),
			slog.String("former_owner", rec.LeaseOwner),
			slog.Int("attempts", rec.Attempts),
		)
		s.event(ctx, rec)
	}
	return s.dispatcher.Renotify(ctx, reclaimed)
}

func (s *Sweeper) event(ctx context.Context, rec *store.StateRecord) {
	err := s.store.AppendEvent(ctx, &store.Event{
		WorkflowID: rec.WorkflowID,
		State:      rec.State,
		Type:       schema.EventLeaseReclaimed,
	})
	if err != nil {
		s.logger.Warn("append event failed", slog.Any("error", err))
	}
}

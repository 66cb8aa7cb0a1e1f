package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/executor"
	"github.com/weftlabs/weft/internal/identity"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/pkg/schema"
)

const fleetHeartbeatInterval = 15 * time.Second

// Fleet is a bounded set of short-lived executors, each consuming nudges on
// its own bus subscription. Executors are independent; the lease and the
// nudge dedup arbitrate who runs what.
type Fleet struct {
	size     int
	deps     executor.Deps
	cfg      executor.Config
	bus      notify.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
	started bool
}

// NewFleet creates a fleet of the given size.
func NewFleet(size int, deps executor.Deps, cfg executor.Config, bus notify.Bus, collector *metrics.Collector, logger *slog.Logger) *Fleet {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		size:    size,
		deps:    deps,
		cfg:     cfg,
		bus:     bus,
		metrics: collector,
		logger:  logger,
	}
}

// Size returns the fleet's executor count.
func (f *Fleet) Size() int { return f.size }

// Start spawns the executors and their consumer goroutines. Each executor
// registers its identity and heartbeats while it lives.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	for i := 0; i < f.size; i++ {
		id := fmt.Sprintf("exec-%s", uuid.New().String()[:8])
		exec, err := executor.New(id, f.deps, f.cfg, f.logger)
		if err != nil {
			f.stopLocked()
			return err
		}
		if _, err := identity.EnsureRegistered(ctx, f.deps.Store, id, "fleet executor", identity.KindFleet, nil); err != nil {
			f.logger.Warn("executor registration failed",
				slog.String("executor_id", id),
				slog.Any("error", err),
			)
		}
		ch, cancel, err := f.bus.Subscribe(ctx, id)
		if err != nil {
			f.stopLocked()
			return err
		}
		f.cancels = append(f.cancels, cancel)
		f.wg.Add(1)
		go f.consume(ctx, exec, ch)
	}
	f.started = true
	f.metrics.SetExecutorsActive(f.size)
	f.logger.Info("fleet started", slog.Int("executors", f.size))
	return nil
}

// consume is one executor's life: take a nudge, handle it, repeat until the
// subscription closes.
func (f *Fleet) consume(ctx context.Context, exec *executor.Executor, ch <-chan schema.Notification) {
	defer f.wg.Done()

	heartbeat := time.NewTicker(fleetHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := identity.Heartbeat(ctx, f.deps.Store, exec.ID()); err != nil {
				f.logger.Warn("executor heartbeat failed",
					slog.String("executor_id", exec.ID()),
					slog.Any("error", err),
				)
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := exec.HandleNudge(ctx, n); err != nil {
				f.logger.Error("nudge handling failed",
					slog.String("executor_id", exec.ID()),
					slog.String("workflow_id", n.WorkflowID),
					slog.String("state", n.State),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Stop cancels all subscriptions and waits for in-flight work to finish.
func (f *Fleet) Stop() {
	f.mu.Lock()
	f.stopLocked()
	started := f.started
	f.started = false
	f.mu.Unlock()

	f.wg.Wait()
	if started {
		f.metrics.SetExecutorsActive(0)
		f.logger.Info("fleet stopped")
	}
}

func (f *Fleet) stopLocked() {
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
}

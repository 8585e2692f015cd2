package worker

import (
	"context"
	"log/slog"
	"time"
)

// JanitorStore is the slice of the outbox the janitor needs.
type JanitorStore interface {
	ReclaimStale(ctx context.Context, claimTimeout time.Duration, now time.Time) (int64, error)
	SweepDelivered(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

// Janitor periodically returns expired claims to pending and deletes
// delivered rows past the retention window. One janitor per process;
// claim timeouts are enforced with the longest timeout any worker uses,
// so no healthy worker's batch is reclaimed out from under it.
type Janitor struct {
	store        JanitorStore
	interval     time.Duration
	claimTimeout time.Duration
	retention    time.Duration
	logger       *slog.Logger
}

// NewJanitor creates a janitor. A zero retention disables the delivered
// sweep.
func NewJanitor(store JanitorStore, interval, claimTimeout, retention time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:        store,
		interval:     interval,
		claimTimeout: claimTimeout,
		retention:    retention,
		logger:       logger.With("component", "janitor"),
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor started",
		"interval", j.interval,
		"claim_timeout", j.claimTimeout,
		"retention", j.retention)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")

			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := time.Now().UTC()

	if _, err := j.store.ReclaimStale(ctx, j.claimTimeout, now); err != nil && ctx.Err() == nil {
		j.logger.Error("stale reclaim failed", "error", err)
	}

	if j.retention <= 0 {
		return
	}

	if _, err := j.store.SweepDelivered(ctx, j.retention, now); err != nil && ctx.Err() == nil {
		j.logger.Error("delivered sweep failed", "error", err)
	}
}

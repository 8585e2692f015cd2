package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/osa-io/osa/internal/config"
	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/storage"
)

// Scheduler fires SourceSyncDue events for scheduled sources. It evaluates
// every schedule once per minute, on the minute, so a five-field expression
// fires at most once per matching minute regardless of process start time.
type Scheduler struct {
	conn      *storage.Connection
	outbox    *outbox.Store
	schedules map[string]*Schedule
	logger    *slog.Logger
}

// NewScheduler parses the schedules of all configured sources. A source
// without a schedule only syncs on demand and is skipped.
func NewScheduler(pipeline *config.Pipeline, conn *storage.Connection, store *outbox.Store, logger *slog.Logger) (*Scheduler, error) {
	schedules := make(map[string]*Schedule)

	for i := range pipeline.Sources {
		src := &pipeline.Sources[i]
		if src.Schedule == "" {
			continue
		}

		parsed, err := ParseSchedule(src.Schedule)
		if err != nil {
			return nil, err
		}

		schedules[src.Name] = parsed
	}

	return &Scheduler{
		conn:      conn,
		outbox:    store,
		schedules: schedules,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Run evaluates schedules until ctx is cancelled. Intended as a pool task.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.schedules) == 0 {
		return
	}

	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.tick(ctx, next)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for name, schedule := range s.schedules {
		if !schedule.Matches(now) {
			continue
		}

		if err := s.emitSyncDue(ctx, name); err != nil {
			s.logger.Error("failed to emit sync event", "source", name, "error", err)

			continue
		}

		s.logger.Info("source sync scheduled", "source", name)
	}
}

func (s *Scheduler) emitSyncDue(ctx context.Context, sourceName string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.outbox.AppendNew(ctx, tx, domain.SourceSyncDue{SourceName: sourceName}); err != nil {
		return err
	}

	return tx.Commit()
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/outbox"
)

// maxBackoff caps the failure backoff between claim attempts.
const maxBackoff = 5 * time.Minute

type (
	// Handler processes one event. Handlers must be idempotent keyed on
	// the event id: re-delivery after a stale reclaim or retryable fail is
	// part of the contract.
	Handler interface {
		Handle(ctx context.Context, event *domain.Event) error
	}

	// BatchHandler may be implemented alongside Handler for bulk
	// efficiency. Outcomes are reported per event, index-aligned with the
	// input; partial success within a batch is allowed.
	BatchHandler interface {
		HandleBatch(ctx context.Context, events []*domain.Event) []error
	}

	// Store is the slice of the outbox a worker needs.
	Store interface {
		Claim(ctx context.Context, eventType, consumerGroup string, batchSize int, now time.Time) ([]*outbox.Delivery, error)
		Ack(ctx context.Context, eventID uuid.UUID, consumerGroup string, now time.Time) error
		Fail(ctx context.Context, eventID uuid.UUID, consumerGroup, cause string, maxRetries int, now time.Time) (bool, error)
	}

	// Worker runs one claim loop for one (event type, consumer group)
	// pair. Independent unit of concurrency; workers share nothing but
	// the store.
	Worker struct {
		eventType     string
		consumerGroup string
		config        Config
		store         Store
		handler       Handler
		logger        *slog.Logger

		// failStreak counts consecutive fully-failed batches and drives
		// the exponential backoff between claim attempts.
		failStreak int
	}
)

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *domain.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event *domain.Event) error {
	return f(ctx, event)
}

// New creates a worker. The configuration is validated here.
func New(eventType, consumerGroup string, config Config, store Store, handler Handler, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("worker %s/%s: %w", eventType, consumerGroup, err)
	}

	if !domain.KnownEventType(eventType) {
		return nil, fmt.Errorf("%w: worker for unknown event type %q", domain.ErrConfiguration, eventType)
	}

	return &Worker{
		eventType:     eventType,
		consumerGroup: consumerGroup,
		config:        config,
		store:         store,
		handler:       handler,
		logger: logger.With(
			"component", "worker",
			"event_type", eventType,
			"consumer_group", consumerGroup,
		),
	}, nil
}

// Run executes the claim loop until ctx is cancelled. The in-flight batch
// is finished before returning; no new claims are taken after cancellation.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval)

	for {
		if !w.sleep(ctx, w.backoffInterval()) {
			w.logger.Info("worker stopped")

			return
		}

		batch, err := w.store.Claim(ctx, w.eventType, w.consumerGroup, w.config.BatchSize, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped")

				return
			}

			w.logger.Error("claim failed", "error", err)
			w.failStreak++

			continue
		}

		if len(batch) == 0 {
			w.failStreak = 0

			continue
		}

		w.processBatch(ctx, batch)
	}
}

// processBatch invokes the handler and settles each delivery
// independently. The batch runs under its own timeout detached from the
// loop context, so cancellation lets the current batch finish.
func (w *Worker) processBatch(ctx context.Context, batch []*outbox.Delivery) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.BatchTimeout)
	defer cancel()

	events := make([]*domain.Event, len(batch))
	for i, d := range batch {
		events[i] = d.Event
	}

	outcomes := w.invoke(batchCtx, events)

	settled := time.Now().UTC()
	failures := 0

	for i, d := range batch {
		if outcomes[i] == nil {
			if err := w.store.Ack(batchCtx, d.Event.ID, w.consumerGroup, settled); err != nil {
				w.logger.Error("ack failed", "event_id", d.Event.ID, "error", err)
			}

			continue
		}

		failures++

		parked, err := w.store.Fail(batchCtx, d.Event.ID, w.consumerGroup,
			outcomes[i].Error(), w.config.MaxRetries, settled)
		if err != nil {
			w.logger.Error("fail recording failed", "event_id", d.Event.ID, "error", err)

			continue
		}

		w.logger.Warn("event processing failed",
			"event_id", d.Event.ID,
			"parked", parked,
			"error", outcomes[i])
	}

	if failures == len(batch) {
		w.failStreak++
	} else {
		w.failStreak = 0
	}
}

// invoke runs the handler, preferring the batch interface when
// implemented. A panic fails the entire batch instead of killing the
// worker.
func (w *Worker) invoke(ctx context.Context, events []*domain.Event) (outcomes []error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", "panic", r)

			panicErr := fmt.Errorf("handler panic: %v", r)
			outcomes = make([]error, len(events))

			for i := range outcomes {
				outcomes[i] = panicErr
			}
		}
	}()

	if bh, ok := w.handler.(BatchHandler); ok {
		outcomes = bh.HandleBatch(ctx, events)
		if len(outcomes) != len(events) {
			err := fmt.Errorf("batch handler returned %d outcomes for %d events", len(outcomes), len(events))
			outcomes = make([]error, len(events))

			for i := range outcomes {
				outcomes[i] = err
			}
		}

		return outcomes
	}

	outcomes = make([]error, len(events))
	for i, event := range events {
		outcomes[i] = w.handler.Handle(ctx, event)
	}

	return outcomes
}

// backoffInterval returns the sleep before the next claim: the poll
// interval normally, doubled per consecutive failed batch, capped.
func (w *Worker) backoffInterval() time.Duration {
	interval := w.config.PollInterval

	for i := 0; i < w.failStreak; i++ {
		interval *= 2
		if interval >= maxBackoff {
			return maxBackoff
		}
	}

	return interval
}

// sleep waits for d or cancellation; reports false on cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

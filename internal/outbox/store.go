package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/storage"
)

// Store is the PostgreSQL-backed outbox. All delivery-state transitions
// are single statements guarded by status predicates, so a row can never
// regress from delivered or re-enter delivered after failed.
type Store struct {
	conn     *storage.Connection
	registry *SubscriptionRegistry
	logger   *slog.Logger
}

// NewStore creates an outbox store over an open connection.
func NewStore(conn *storage.Connection, registry *SubscriptionRegistry, logger *slog.Logger) *Store {
	return &Store{
		conn:     conn,
		registry: registry,
		logger:   logger.With("component", "outbox"),
	}
}

// Registry exposes the subscription registry, used by the pool builder.
func (s *Store) Registry() *SubscriptionRegistry {
	return s.registry
}

// Append writes the event row and one pending delivery row per subscribed
// consumer group, all inside the caller's transaction. Events whose type
// has no subscribers are still recorded; they just produce no deliveries.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	if !domain.KnownEventType(event.Type) {
		return fmt.Errorf("%w: unregistered event type %q", domain.ErrValidation, event.Type)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		event.ID, event.Type, []byte(event.Payload), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.Type, err)
	}

	groups := s.registry.GroupsFor(event.Type)
	for _, group := range groups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (event_id, event_type, consumer_group, status, updated_at)
			VALUES ($1, $2, $3, 'pending', $4)`,
			event.ID, event.Type, group, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to fan out %s to %s: %w", event.Type, group, err)
		}
	}

	s.logger.Debug("event appended",
		"event_id", event.ID,
		"event_type", event.Type,
		"deliveries", len(groups))

	return nil
}

// AppendNew wraps payload construction and Append for producers that hold
// a transaction.
func (s *Store) AppendNew(ctx context.Context, tx *sql.Tx, payload domain.Payload) (*domain.Event, error) {
	event, err := domain.NewEvent(payload)
	if err != nil {
		return nil, err
	}

	if err := s.Append(ctx, tx, event); err != nil {
		return nil, err
	}

	return event, nil
}

// Claim atomically locks up to batchSize pending deliveries for one
// (event type, consumer group) pair and marks them claimed. SKIP LOCKED
// partitions the unclaimed set between parallel workers, so claims never
// block each other. Rows come back in event-id order.
func (s *Store) Claim(ctx context.Context, eventType, consumerGroup string, batchSize int, now time.Time) ([]*Delivery, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id, d.retry_count, e.id, e.event_type, e.payload, e.created_at
		FROM deliveries d
		JOIN events e ON e.id = d.event_id
		WHERE d.consumer_group = $1
		  AND d.event_type = $2
		  AND d.status = 'pending'
		ORDER BY d.event_id
		LIMIT $3
		FOR UPDATE OF d SKIP LOCKED`,
		consumerGroup, eventType, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries for %s/%s: %w", eventType, consumerGroup, err)
	}

	var (
		claimed []*Delivery
		ids     []int64
	)

	for rows.Next() {
		d := &Delivery{
			Event:         &domain.Event{},
			ConsumerGroup: consumerGroup,
			ClaimedAt:     now,
		}

		var payload []byte

		err := rows.Scan(&d.ID, &d.RetryCount, &d.Event.ID, &d.Event.Type, &payload, &d.Event.CreatedAt)
		if err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("failed to scan claimed delivery: %w", err)
		}

		d.Event.Payload = payload
		claimed = append(claimed, d)
		ids = append(ids, d.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed deliveries: %w", err)
	}

	_ = rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'claimed', claimed_at = $1, updated_at = $1
		WHERE id = ANY($2)`,
		now, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark deliveries claimed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return claimed, nil
}

// Ack marks a delivery delivered. Idempotent: re-acking a delivered row,
// or acking a row already parked failed, affects nothing and returns nil.
func (s *Store) Ack(ctx context.Context, eventID uuid.UUID, consumerGroup string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'delivered', delivered_at = $1, updated_at = $1, delivery_error = NULL
		WHERE event_id = $2 AND consumer_group = $3 AND status IN ('pending', 'claimed')`,
		now, eventID, consumerGroup,
	)
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s/%s: %w", eventID, consumerGroup, err)
	}

	return nil
}

// Fail records a processing failure: the retry count is incremented and
// the row either returns to pending for another attempt or, at maxRetries,
// parks failed until an operator resurrects it. Returns true when parked.
func (s *Store) Fail(ctx context.Context, eventID uuid.UUID, consumerGroup, cause string, maxRetries int, now time.Time) (bool, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE deliveries
		SET retry_count = retry_count + 1,
		    delivery_error = $1,
		    claimed_at = NULL,
		    updated_at = $2,
		    status = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END
		WHERE event_id = $4 AND consumer_group = $5 AND status IN ('pending', 'claimed')
		RETURNING status, retry_count`,
		cause, now, maxRetries, eventID, consumerGroup,
	)

	var (
		status     string
		retryCount int
	)

	if err := row.Scan(&status, &retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already delivered or failed; nothing to record.
			return false, nil
		}

		return false, fmt.Errorf("failed to fail delivery %s/%s: %w", eventID, consumerGroup, err)
	}

	parked := status == string(StatusFailed)
	if parked {
		s.logger.Warn("delivery parked after exhausting retries",
			"event_id", eventID,
			"consumer_group", consumerGroup,
			"retry_count", retryCount,
			"error", cause)
	}

	return parked, nil
}

// ReclaimStale returns claimed deliveries whose claim expired to pending.
// This is the recovery path for workers that crashed mid-batch.
func (s *Store) ReclaimStale(ctx context.Context, claimTimeout time.Duration, now time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'pending', claimed_at = NULL, updated_at = $1
		WHERE status = 'claimed' AND claimed_at + $2 * INTERVAL '1 second' < $1`,
		now, claimTimeout.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale deliveries: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed deliveries: %w", err)
	}

	if reclaimed > 0 {
		s.logger.Warn("reclaimed stale deliveries", "count", reclaimed)
	}

	return reclaimed, nil
}

// SweepDelivered deletes delivered rows older than the retention window.
func (s *Store) SweepDelivered(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM deliveries
		WHERE status = 'delivered' AND delivered_at + $2 * INTERVAL '1 second' < $1`,
		now, retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep delivered rows: %w", err)
	}

	swept, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept rows: %w", err)
	}

	return swept, nil
}

// QueueDepth returns the pending backlog for one consumer group. The
// outbox has no in-memory queue; this count is the back-pressure signal.
func (s *Store) QueueDepth(ctx context.Context, consumerGroup string) (int64, error) {
	var depth int64

	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deliveries
		WHERE consumer_group = $1 AND status = 'pending'`,
		consumerGroup,
	)
	if err := row.Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to read queue depth for %s: %w", consumerGroup, err)
	}

	return depth, nil
}

// QueueDepths returns per-group, per-status counts for telemetry.
func (s *Store) QueueDepths(ctx context.Context) ([]GroupDepth, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT consumer_group, event_type, status, COUNT(*)
		FROM deliveries
		GROUP BY consumer_group, event_type, status
		ORDER BY consumer_group, event_type, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var depths []GroupDepth

	for rows.Next() {
		var d GroupDepth
		if err := rows.Scan(&d.ConsumerGroup, &d.EventType, &d.Status, &d.Count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth row: %w", err)
		}

		depths = append(depths, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue depths: %w", err)
	}

	return depths, nil
}

// ListFailed returns parked deliveries, newest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]FailedDelivery, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, event_id, event_type, consumer_group, retry_count,
		       COALESCE(delivery_error, ''), updated_at
		FROM deliveries
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var failed []FailedDelivery

	for rows.Next() {
		var f FailedDelivery

		err := rows.Scan(&f.ID, &f.EventID, &f.EventType, &f.ConsumerGroup,
			&f.RetryCount, &f.DeliveryError, &f.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed delivery: %w", err)
		}

		failed = append(failed, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed deliveries: %w", err)
	}

	return failed, nil
}

// Resurrect returns one parked delivery to pending with a reset retry
// count. Operator intervention only; there is no automatic path out of
// failed.
func (s *Store) Resurrect(ctx context.Context, deliveryID int64, now time.Time) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'pending', retry_count = 0, delivery_error = NULL,
		    claimed_at = NULL, updated_at = $1
		WHERE id = $2 AND status = 'failed'`,
		now, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("failed to resurrect delivery %d: %w", deliveryID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count resurrected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: failed delivery %d", domain.ErrNotFound, deliveryID)
	}

	s.logger.Info("delivery resurrected", "delivery_id", deliveryID)

	return nil
}

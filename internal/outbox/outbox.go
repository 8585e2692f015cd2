// Package outbox implements the transactional event log and its
// per-consumer-group delivery fan-out. Events are appended inside the
// producer's transaction together with one delivery row per subscribed
// consumer group; workers then claim, ack or fail those deliveries
// independently per group.
package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/osa-io/osa/internal/domain"
)

// DeliveryStatus is the state of one delivery row. Transitions only along
// pending -> claimed -> delivered | failed, with claimed -> pending via
// stale reclaim or a retryable fail. A delivered row is terminal.
type DeliveryStatus string

// DeliveryStatus values.
const (
	StatusPending   DeliveryStatus = "pending"
	StatusClaimed   DeliveryStatus = "claimed"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Delivery is one claimed unit of work: the event plus the delivery row's
// identity and retry state for one consumer group.
type Delivery struct {
	// ID is the delivery row's surrogate key.
	ID int64

	// Event is the joined, immutable event row.
	Event *domain.Event

	// ConsumerGroup is the group this delivery belongs to.
	ConsumerGroup string

	// RetryCount is the number of failed attempts so far.
	RetryCount int

	// ClaimedAt is when the current claim was taken.
	ClaimedAt time.Time
}

// GroupDepth is one row of the queue-depth telemetry query.
type GroupDepth struct {
	ConsumerGroup string
	EventType     string
	Status        DeliveryStatus
	Count         int64
}

// FailedDelivery is one parked delivery row, surfaced on the operational
// API for inspection and resurrection.
type FailedDelivery struct {
	ID            int64
	EventID       uuid.UUID
	EventType     string
	ConsumerGroup string
	RetryCount    int
	DeliveryError string
	UpdatedAt     time.Time
}

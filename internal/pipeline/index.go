package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/osa-io/osa/internal/domain"
)

// Index notification topics. One topic per search backend family; the
// backends themselves consume these and fetch the record on their own.
const (
	TopicKeywordIndex = "osa.index.keyword"
	TopicVectorIndex  = "osa.index.vector"
)

type (
	// IndexNotification is the compact message published per record. It
	// carries identifiers only; indexers pull the document themselves so
	// large records never transit the broker.
	IndexNotification struct {
		RecordSRN     string    `json:"record_srn"`
		DepositionSRN string    `json:"deposition_srn"`
		ConventionSRN string    `json:"convention_srn"`
		PublishedAt   time.Time `json:"published_at"`
	}

	// MessageWriter is the kafka-go writer surface the handler needs.
	MessageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	}

	// IndexHandler forwards RecordPublished events to one index topic.
	IndexHandler struct {
		topic  string
		writer MessageWriter
		logger *slog.Logger
	}
)

var _ MessageWriter = (*kafka.Writer)(nil)

// NewIndexWriter builds a kafka writer for one index topic.
func NewIndexWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewIndexHandler creates a fan-out handler for one topic.
func NewIndexHandler(topic string, writer MessageWriter, logger *slog.Logger) *IndexHandler {
	return &IndexHandler{
		topic:  topic,
		writer: writer,
		logger: logger.With("component", "index_fanout", "topic", topic),
	}
}

// Handle publishes one notification per RecordPublished event. Keyed by
// record SRN so re-publications of the same record stay in partition order.
func (h *IndexHandler) Handle(ctx context.Context, event *domain.Event) error {
	var p domain.RecordPublished
	if err := decode(event, &p); err != nil {
		return err
	}

	raw, err := json.Marshal(IndexNotification{
		RecordSRN:     p.RecordSRN,
		DepositionSRN: p.DepositionSRN,
		ConventionSRN: p.ConventionSRN,
		PublishedAt:   event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index notification: %w", err)
	}

	err = h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.RecordSRN),
		Value: raw,
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %w", domain.ErrExternalService, h.topic, err)
	}

	h.logger.Debug("index notification published", "record", p.RecordSRN)

	return nil
}

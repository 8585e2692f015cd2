package pipeline

import (
	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/worker"
)

// Consumer group names. Stable: they key delivery rows in the outbox, so
// renaming one strands its pending deliveries.
const (
	GroupDepositionIntake = "deposition_intake"
	GroupBeginValidation  = "validation_begin"
	GroupExecValidation   = "validation_execute"
	GroupReturnToDraft    = "deposition_return"
	GroupPublishRecord    = "record_publish"
	GroupInsertFeatures   = "feature_insert"
	GroupIndexFanOut      = "index_fanout"
	GroupKeywordIndex     = "index_keyword"
	GroupVectorIndex      = "index_vector"
	GroupSourceSync       = "source_sync"
)

// Registration binds one consumer group to its event type and handler.
type Registration struct {
	EventType     string
	ConsumerGroup string
	Handler       worker.Handler
}

// Registrations is the full pipeline wiring. Index handlers are passed in
// because they carry broker connections the caller owns; nil index
// handlers disable the fan-out groups.
func Registrations(h *Handlers, keyword, vector worker.Handler) []Registration {
	regs := []Registration{
		{domain.TypeSourceSyncDue, GroupSourceSync, worker.HandlerFunc(h.SyncSource)},
		{domain.TypeSourceRecordReady, GroupDepositionIntake, worker.HandlerFunc(h.CreateDepositionFromSource)},
		{domain.TypeDepositionSubmitted, GroupBeginValidation, worker.HandlerFunc(h.BeginValidation)},
		{domain.TypeValidationRequested, GroupExecValidation, worker.HandlerFunc(h.ExecuteValidation)},
		{domain.TypeValidationFailed, GroupReturnToDraft, worker.HandlerFunc(h.ReturnToDraft)},
		{domain.TypeValidationSucceeded, GroupPublishRecord, worker.HandlerFunc(h.PublishRecord)},
		{domain.TypeRecordPublished, GroupInsertFeatures, worker.HandlerFunc(h.InsertRecordFeatures)},
		{domain.TypeRecordPublished, GroupIndexFanOut, worker.HandlerFunc(h.FanOutToIndexes)},
	}

	if keyword != nil {
		regs = append(regs, Registration{domain.TypeRecordPublished, GroupKeywordIndex, keyword})
	}

	if vector != nil {
		regs = append(regs, Registration{domain.TypeRecordPublished, GroupVectorIndex, vector})
	}

	return regs
}

// Install subscribes every registration and adds its worker to the pool.
// Per-group config overrides take precedence over the base config.
func Install(regs []Registration, registry *outbox.SubscriptionRegistry, pool *worker.Pool, base worker.Config, overrides map[string]worker.Config) error {
	for _, reg := range regs {
		if err := registry.Subscribe(reg.EventType, reg.ConsumerGroup); err != nil {
			return err
		}

		cfg := base
		if override, ok := overrides[reg.ConsumerGroup]; ok {
			cfg = override
		}

		if err := pool.AddWorker(reg.EventType, reg.ConsumerGroup, cfg, reg.Handler); err != nil {
			return err
		}
	}

	return nil
}

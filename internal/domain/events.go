package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type names. Globally registered: appending an event whose type is
// not in the registry is a programming error caught at startup.
const (
	TypeSourceSyncDue       = "SourceSyncDue"
	TypeSourceRecordReady   = "SourceRecordReady"
	TypeDepositionSubmitted = "DepositionSubmitted"
	TypeValidationRequested = "ValidationRequested"
	TypeValidationSucceeded = "ValidationSucceeded"
	TypeValidationFailed    = "ValidationFailed"
	TypeRecordPublished     = "RecordPublished"
)

type (
	// Event is one append-only record in the outbox log. Events are
	// immutable once written; their payload is a self-contained snapshot
	// so consumers never need cross-domain reads.
	Event struct {
		// ID is the event's UUID, assigned at construction.
		ID uuid.UUID

		// Type is the registered event type name.
		Type string

		// Payload is the serialized type-specific payload.
		Payload json.RawMessage

		// CreatedAt is the append time in UTC.
		CreatedAt time.Time
	}

	// Payload is implemented by every event payload type.
	Payload interface {
		// EventType returns the registered type name for this payload.
		EventType() string
	}

	// HookSnapshot is a self-contained copy of a hook definition taken at
	// event-append time. Consumers run exactly what the snapshot
	// describes, even if the configured hook set changes later.
	HookSnapshot struct {
		Definition HookDefinition `json:"definition"`
	}

	// SourceSyncDue signals that a configured source's schedule fired.
	SourceSyncDue struct {
		SourceName string `json:"source_name"`
	}

	// SourceRecordReady signals that a source staged one upstream record
	// for deposition.
	SourceRecordReady struct {
		SourceName string `json:"source_name"`

		// StagedDir is the durable directory holding the staged record
		// payload and its files.
		StagedDir string `json:"staged_dir"`

		// Record is the staged record document from records.jsonl.
		Record json.RawMessage `json:"record"`

		// ConventionSRN is the convention the record targets.
		ConventionSRN string `json:"convention_srn"`
	}

	// DepositionSubmitted signals that a deposition was submitted for
	// validation.
	DepositionSubmitted struct {
		DepositionSRN string `json:"deposition_srn"`
	}

	// ValidationRequested carries everything needed to validate one
	// deposition: the run identity and a snapshot of every hook to
	// execute, in order.
	ValidationRequested struct {
		DepositionSRN string         `json:"deposition_srn"`
		RunSRN        string         `json:"run_srn"`
		Hooks         []HookSnapshot `json:"hooks"`
	}

	// ValidationSucceeded signals that every hook passed.
	ValidationSucceeded struct {
		DepositionSRN string `json:"deposition_srn"`
		RunSRN        string `json:"run_srn"`
	}

	// ValidationFailed signals a rejected or failed validation run.
	ValidationFailed struct {
		DepositionSRN string `json:"deposition_srn"`
		RunSRN        string `json:"run_srn"`
		Reason        string `json:"reason,omitempty"`
	}

	// RecordPublished signals that a record generation entered the
	// catalog. It snapshots the convention's hooks so feature insertion
	// and index fan-out need no cross-domain reads.
	RecordPublished struct {
		RecordSRN     string         `json:"record_srn"`
		DepositionSRN string         `json:"deposition_srn"`
		ConventionSRN string         `json:"convention_srn"`
		RunSRN        string         `json:"run_srn"`
		Hooks         []HookSnapshot `json:"hooks"`
	}
)

// EventType implements Payload.
func (SourceSyncDue) EventType() string { return TypeSourceSyncDue }

// EventType implements Payload.
func (SourceRecordReady) EventType() string { return TypeSourceRecordReady }

// EventType implements Payload.
func (DepositionSubmitted) EventType() string { return TypeDepositionSubmitted }

// EventType implements Payload.
func (ValidationRequested) EventType() string { return TypeValidationRequested }

// EventType implements Payload.
func (ValidationSucceeded) EventType() string { return TypeValidationSucceeded }

// EventType implements Payload.
func (ValidationFailed) EventType() string { return TypeValidationFailed }

// EventType implements Payload.
func (RecordPublished) EventType() string { return TypeRecordPublished }

// payloadFactories maps registered type names to empty payload values for
// decoding. Closed set: adding an event type means adding a payload type
// here and a handler subscription in the pipeline registry.
var payloadFactories = map[string]func() Payload{
	TypeSourceSyncDue:       func() Payload { return &SourceSyncDue{} },
	TypeSourceRecordReady:   func() Payload { return &SourceRecordReady{} },
	TypeDepositionSubmitted: func() Payload { return &DepositionSubmitted{} },
	TypeValidationRequested: func() Payload { return &ValidationRequested{} },
	TypeValidationSucceeded: func() Payload { return &ValidationSucceeded{} },
	TypeValidationFailed:    func() Payload { return &ValidationFailed{} },
	TypeRecordPublished:     func() Payload { return &RecordPublished{} },
}

// KnownEventType reports whether name is a registered event type.
func KnownEventType(name string) bool {
	_, ok := payloadFactories[name]

	return ok
}

// NewEvent wraps a payload into an immutable Event with a fresh UUID and a
// UTC append timestamp.
func NewEvent(p Payload) (*Event, error) {
	if !KnownEventType(p.EventType()) {
		return nil, fmt.Errorf("%w: unregistered event type %q", ErrValidation, p.EventType())
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s payload: %w", ErrValidation, p.EventType(), err)
	}

	return &Event{
		ID:        uuid.New(),
		Type:      p.EventType(),
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodePayload decodes an event's payload into its registered type.
func DecodePayload(e *Event) (Payload, error) {
	factory, ok := payloadFactories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered event type %q", ErrValidation, e.Type)
	}

	p := factory()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %w", ErrValidation, e.Type, err)
	}

	return p, nil
}

package domain

import (
	"encoding/json"
	"time"
)

type (
	// HookStatus is the outcome of one hook run.
	HookStatus string

	// HookResult records the outcome of executing one hook against one
	// record. Results are embedded in the owning ValidationRun in hook
	// order.
	HookResult struct {
		// HookName is the manifest name of the hook that ran.
		HookName string `json:"hook_name"`

		// Status is passed, rejected or failed.
		Status HookStatus `json:"status"`

		// RejectionReason carries the hook's message when Status is
		// rejected.
		RejectionReason string `json:"rejection_reason,omitempty"`

		// ErrorMessage carries diagnostic detail when Status is failed.
		ErrorMessage string `json:"error_message,omitempty"`

		// Features is the parsed features.json output: always a list,
		// possibly empty. A single-object output is wrapped into a
		// one-element list.
		Features []map[string]any `json:"features,omitempty"`

		// Progress is the retained progress.jsonl log.
		Progress []ProgressEntry `json:"progress,omitempty"`

		// Duration is the wall-clock container runtime.
		Duration time.Duration `json:"duration"`
	}

	// ProgressEntry is one line of a container's progress.jsonl.
	ProgressEntry struct {
		// Status is required on every line ("running", "rejected", ...).
		Status string `json:"status"`

		// Step optionally names the hook's current phase.
		Step string `json:"step,omitempty"`

		// Message optionally carries human-readable detail. For a
		// rejected entry it becomes the rejection reason.
		Message string `json:"message,omitempty"`
	}

	// SourceOutput is the parsed result of one source container run.
	SourceOutput struct {
		// Records are the raw lines of records.jsonl, one JSON document
		// per upstream record.
		Records []json.RawMessage

		// SessionState is the opaque session.json continuation state, or
		// nil when the source wrote none.
		SessionState json.RawMessage

		// Progress is the retained progress.jsonl log.
		Progress []ProgressEntry

		// Duration is the wall-clock container runtime.
		Duration time.Duration
	}

	// ValidationStatus is the lifecycle state of a validation run.
	ValidationStatus string

	// ValidationRun is the aggregate tracking one validation of one
	// deposition: created pending, running once a worker picks it up,
	// terminal on completion.
	ValidationRun struct {
		// SRN is the run's val SRN.
		SRN string

		// DepositionSRN is the deposition under validation.
		DepositionSRN string

		// Status is the lifecycle state.
		Status ValidationStatus

		// Results are the hook results in execution order.
		Results []HookResult

		StartedAt   time.Time
		CompletedAt *time.Time

		// ExpiresAt is the execution claim lease while the run is
		// running; past it a redelivery may re-pick the run. Nil when
		// pending or terminal.
		ExpiresAt *time.Time
	}
)

// HookStatus values.
const (
	HookPassed   HookStatus = "passed"
	HookRejected HookStatus = "rejected"
	HookFailed   HookStatus = "failed"
)

// ValidationStatus values. The failed status is ValidationRunFailed so it
// cannot collide with the ValidationFailed event payload.
const (
	ValidationPending   ValidationStatus = "pending"
	ValidationRunning   ValidationStatus = "running"
	ValidationCompleted ValidationStatus = "completed"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationRunFailed ValidationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ValidationStatus) Terminal() bool {
	switch s {
	case ValidationCompleted, ValidationRejected, ValidationRunFailed:
		return true
	default:
		return false
	}
}

// Outcome derives the run status from a complete set of hook results:
// any failed hook fails the run, otherwise any rejected hook rejects it,
// otherwise the run completed.
func Outcome(results []HookResult) ValidationStatus {
	status := ValidationCompleted

	for _, r := range results {
		switch r.Status {
		case HookFailed:
			return ValidationRunFailed
		case HookRejected:
			status = ValidationRejected
		case HookPassed:
		}
	}

	return status
}

// Succeeded reports whether the result allows validation to proceed.
func (r *HookResult) Succeeded() bool {
	return r.Status == HookPassed
}

// Package deposition persists depositions, their published record
// generations, and validation runs.
package deposition

import (
	"encoding/json"
	"time"
)

// Status is the deposition lifecycle state.
type Status string

// Status values. submit moves draft -> submitted; validation moves
// submitted -> validating; a terminal run moves validating -> published or
// back to draft (rejected is recorded on the run, the deposition returns
// to draft for rework).
const (
	StatusDraft      Status = "draft"
	StatusSubmitted  Status = "submitted"
	StatusValidating Status = "validating"
	StatusRejected   Status = "rejected"
	StatusPublished  Status = "published"
)

// Deposition is one unit of contributed data moving toward publication.
type Deposition struct {
	// SRN is the deposition's dep SRN.
	SRN string

	// Owner is the owning principal's user id.
	Owner string

	// ConventionSRN names the convention the deposition targets.
	ConventionSRN string

	// SourceName is set when the deposition was created by a source sync.
	SourceName string

	// Status is the lifecycle state.
	Status Status

	// Record is the deposited record document.
	Record json.RawMessage

	// StagedDir is the durable directory holding the deposition's files.
	StagedDir string

	// RecordSRN is set once published; immutable afterwards.
	RecordSRN string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	PublishedAt *time.Time
}

// OwnerID implements the resource interface consumed by policy checks.
func (d *Deposition) OwnerID() string {
	return d.Owner
}

// Record is one published, immutable record generation in the catalog.
type Record struct {
	// SRN is the record's rec SRN, generation-versioned.
	SRN string

	// DepositionSRN is the deposition this generation came from.
	DepositionSRN string

	// ConventionSRN is the convention the record conforms to.
	ConventionSRN string

	// Generation is the integer generation number, starting at 1.
	Generation int

	// Document is the published record document.
	Document json.RawMessage

	PublishedAt time.Time
}

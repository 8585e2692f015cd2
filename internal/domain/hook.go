package domain

import (
	"fmt"
	"time"

	"github.com/osa-io/osa/internal/srn"
)

type (
	// HookDefinition is a content-addressed, immutable description of one
	// validation hook. Two definitions with the same digest are the same
	// hook; configuration changes produce a new definition.
	HookDefinition struct {
		// Image is the OCI image reference without digest (e.g.
		// "registry.osa.io/hooks/pocket-detect:1.2").
		Image string

		// Digest pins the exact image content (e.g. "sha256:ab12...").
		// Containers are always created against Image@Digest.
		Digest string

		// Config is the per-hook configuration written to config.json in
		// the container's input directory. Optional.
		Config map[string]any

		// Limits bound the container run.
		Limits Limits

		// Manifest declares the hook's identity and output shape.
		Manifest HookManifest
	}

	// HookManifest declares what a hook expects and produces.
	HookManifest struct {
		// Name is the hook's safe identifier; it doubles as the feature
		// table name and must satisfy the safe-identifier grammar.
		Name string

		// RecordSchema is the schema SRN the hook expects records to
		// conform to.
		RecordSchema string

		// Cardinality declares whether the hook emits one feature row per
		// record or many.
		Cardinality Cardinality

		// FeatureSchema is the typed shape of the hook's features.json
		// output. Empty when the hook emits no features.
		FeatureSchema FeatureSchema
	}

	// Cardinality is the declared number of feature rows per record.
	Cardinality string

	// FeatureSchema is an ordered list of typed feature columns.
	FeatureSchema struct {
		Columns []ColumnDef
	}

	// ColumnDef is one typed feature column.
	ColumnDef struct {
		// Name must satisfy the safe-identifier grammar.
		Name string

		// JSONType is the declared JSON type of the value.
		JSONType JSONType

		// Format refines string columns ("date-time", "date", "uuid").
		// Optional.
		Format string

		// Required marks columns that must be present in every row.
		Required bool
	}

	// JSONType is the closed set of JSON value types a feature column
	// may declare.
	JSONType string

	// Limits bound a container run. Zero values fall back to the runner's
	// defaults.
	Limits struct {
		// TimeoutSeconds is the hard wall-clock limit for the whole run.
		TimeoutSeconds int

		// Memory is a memory string such as "512m", "2g" or "256Mi".
		Memory string

		// CPU is the CPU allocation in cores (0.5 = half a core).
		CPU float64
	}

	// SourceDefinition describes one upstream record source: a container
	// that pulls records from an external origin.
	SourceDefinition struct {
		// Name is the source's safe identifier.
		Name string

		// Image and Digest pin the source container.
		Image  string
		Digest string

		// Config is written to config.json in the input directory.
		Config map[string]any

		// Limits bound the container run.
		Limits Limits

		// Schedule is a cron-like five-field expression. Empty means the
		// source only runs on demand.
		Schedule string

		// InitialRunConfig overrides Config for the very first sync, for
		// backfill windows. Optional.
		InitialRunConfig map[string]any
	}
)

// Cardinality values.
const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// JSONType values.
const (
	JSONTypeString  JSONType = "string"
	JSONTypeNumber  JSONType = "number"
	JSONTypeInteger JSONType = "integer"
	JSONTypeBoolean JSONType = "boolean"
	JSONTypeArray   JSONType = "array"
	JSONTypeObject  JSONType = "object"
)

// Timeout returns the run limit as a duration, or def when unset.
func (l Limits) Timeout(def time.Duration) time.Duration {
	if l.TimeoutSeconds <= 0 {
		return def
	}

	return time.Duration(l.TimeoutSeconds) * time.Second
}

// Validate checks a hook definition for structural soundness: image and
// digest present, safe identifiers throughout, known JSON types, and no
// duplicate column names. Feature tables are derived from this data, so
// anything that fails here must never reach the feature store.
func (d *HookDefinition) Validate() error {
	if d.Image == "" {
		return NewValidationError("image", "cannot be empty")
	}

	if d.Digest == "" {
		return NewValidationError("digest", "cannot be empty")
	}

	if err := srn.ValidateIdentifier(d.Manifest.Name); err != nil {
		return fmt.Errorf("%w: manifest.name: %w", ErrValidation, err)
	}

	if d.Manifest.Cardinality != CardinalityOne && d.Manifest.Cardinality != CardinalityMany {
		return NewValidationError("manifest.cardinality", fmt.Sprintf("must be %q or %q", CardinalityOne, CardinalityMany))
	}

	return d.Manifest.FeatureSchema.Validate()
}

// reservedColumns are the mandatory columns every feature table carries;
// a declared column with one of these names would collide at CREATE TABLE.
var reservedColumns = map[string]struct{}{
	"id":         {},
	"record_srn": {},
	"created_at": {},
}

// Validate checks column names, types and uniqueness.
func (s *FeatureSchema) Validate() error {
	seen := make(map[string]struct{}, len(s.Columns))

	for _, col := range s.Columns {
		if err := srn.ValidateIdentifier(col.Name); err != nil {
			return fmt.Errorf("%w: column name: %w", ErrValidation, err)
		}

		if _, reserved := reservedColumns[col.Name]; reserved {
			return NewValidationError("columns", fmt.Sprintf("column name %q is reserved", col.Name))
		}

		if _, dup := seen[col.Name]; dup {
			return NewValidationError("columns", fmt.Sprintf("duplicate column %q", col.Name))
		}

		seen[col.Name] = struct{}{}

		switch col.JSONType {
		case JSONTypeString, JSONTypeNumber, JSONTypeInteger, JSONTypeBoolean, JSONTypeArray, JSONTypeObject:
		default:
			return NewValidationError("columns", fmt.Sprintf("column %q: unknown json type %q", col.Name, col.JSONType))
		}
	}

	return nil
}

// Validate checks a source definition for structural soundness.
func (d *SourceDefinition) Validate() error {
	if err := srn.ValidateIdentifier(d.Name); err != nil {
		return fmt.Errorf("%w: name: %w", ErrValidation, err)
	}

	if d.Image == "" {
		return NewValidationError("image", "cannot be empty")
	}

	if d.Digest == "" {
		return NewValidationError("digest", "cannot be empty")
	}

	return nil
}

// Ref returns the pinned image reference used for container creation.
func (d *HookDefinition) Ref() string {
	return d.Image + "@" + d.Digest
}

// Ref returns the pinned image reference used for container creation.
func (d *SourceDefinition) Ref() string {
	return d.Image + "@" + d.Digest
}

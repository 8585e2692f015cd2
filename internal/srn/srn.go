// Package srn provides Structured Resource Name construction and parsing.
//
// SRNs (Structured Resource Names) are the canonical identifiers for every
// aggregate in the platform: depositions, records, conventions, schemas,
// ontologies, validation runs and events.
//
// SRN format: urn:osa:{domain}:{kind}:{local}[@{version}]
//
// Examples:
//   - "urn:osa:pdb:dep:01hz3qk8" (deposition, unversioned)
//   - "urn:osa:pdb:rec:8xj2@3" (record, integer generation)
//   - "urn:osa:pdb:schema:structure@1.4.0" (schema, semver)
//
// SRNs are lowercase, ASCII, whitespace-free, and parse round-trip
// losslessly: Parse(s.String()) == s for every valid SRN.
//
// ALWAYS construct SRNs through New/Parse. Never build them via string
// concatenation; the version-suffix rules differ per kind and manual
// construction breaks round-trip guarantees.
package srn

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel errors for SRN operations.
var (
	ErrMalformed         = errors.New("malformed SRN")
	ErrUnknownKind       = errors.New("unknown SRN kind")
	ErrNotLowercase      = errors.New("SRN must be lowercase ASCII")
	ErrEmptyComponent    = errors.New("SRN component cannot be empty")
	ErrUnexpectedVersion = errors.New("SRN kind does not take a version")
	ErrMissingVersion    = errors.New("SRN kind requires a version")
	ErrInvalidGeneration = errors.New("record generation must be a positive integer")
	ErrInvalidSemver     = errors.New("version must be a semantic version")
	ErrKindMismatch      = errors.New("SRN kind does not match expected kind")
)

const (
	prefix        = "urn:osa:"
	componentSize = 2 // domain + kind before the local part
)

// Kind identifies the aggregate type an SRN refers to.
type Kind string

// The closed set of SRN kinds.
const (
	KindDeposition    Kind = "dep"
	KindRecord        Kind = "rec"
	KindConvention    Kind = "conv"
	KindSchema        Kind = "schema"
	KindOntology      Kind = "onto"
	KindValidationRun Kind = "val"
	KindEvent         Kind = "evt"
)

// Versioning rules per kind:
//   - record: integer generation (rec@3)
//   - schema, convention, ontology: semver (schema@1.4.0)
//   - deposition, validation run, event: unversioned
var kindVersioning = map[Kind]versioning{
	KindDeposition:    versionNone,
	KindRecord:        versionGeneration,
	KindConvention:    versionSemver,
	KindSchema:        versionSemver,
	KindOntology:      versionSemver,
	KindValidationRun: versionNone,
	KindEvent:         versionNone,
}

type versioning int

const (
	versionNone versioning = iota
	versionGeneration
	versionSemver
)

var (
	localRegex  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	semverRegex = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// SRN is a parsed Structured Resource Name.
//
// The zero value is not a valid SRN; construct through New or Parse.
type SRN struct {
	// Domain is the namespace the resource lives in (e.g. "pdb").
	Domain string

	// Kind is the aggregate type (dep, rec, conv, schema, onto, val, evt).
	Kind Kind

	// Local is the domain-unique local identifier.
	Local string

	// Version is the version suffix, or "" for unversioned kinds.
	// Records carry integer generations; schemas, conventions and
	// ontologies carry semver strings.
	Version string
}

// New constructs and validates an SRN from its components.
//
// Pass version="" for unversioned kinds. Returns a descriptive error when
// the components violate the grammar or the kind's versioning rule.
func New(domain string, kind Kind, local, version string) (SRN, error) {
	s := SRN{Domain: domain, Kind: kind, Local: local, Version: version}
	if err := s.validate(); err != nil {
		return SRN{}, err
	}

	return s, nil
}

// MustNew is New but panics on error. Use only for compile-time constants
// in tests and registries.
func MustNew(domain string, kind Kind, local, version string) SRN {
	s, err := New(domain, kind, local, version)
	if err != nil {
		panic(err)
	}

	return s
}

// Parse parses a canonical SRN string.
//
// The parser is strict: lowercase ASCII only, no whitespace, exactly the
// urn:osa:{domain}:{kind}:{local}[@{version}] shape, and the version suffix
// must match the kind's versioning rule.
func Parse(raw string) (SRN, error) {
	if raw != strings.ToLower(raw) || strings.ContainsAny(raw, " \t\n\r") {
		return SRN{}, fmt.Errorf("%w: %q", ErrNotLowercase, raw)
	}

	rest, ok := strings.CutPrefix(raw, prefix)
	if !ok {
		return SRN{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, prefix)
	}

	parts := strings.SplitN(rest, ":", componentSize+1)
	if len(parts) != componentSize+1 {
		return SRN{}, fmt.Errorf("%w: expected domain:kind:local, got %q", ErrMalformed, rest)
	}

	local := parts[2]
	version := ""

	if at := strings.LastIndex(local, "@"); at != -1 {
		version = local[at+1:]
		local = local[:at]
	}

	s := SRN{
		Domain:  parts[0],
		Kind:    Kind(parts[1]),
		Local:   local,
		Version: version,
	}
	if err := s.validate(); err != nil {
		return SRN{}, err
	}

	return s, nil
}

// ParseKind parses an SRN and verifies it refers to the expected kind.
// This is the standard guard at aggregate boundaries: a store that loads
// depositions must reject rec/val/... SRNs before touching the database.
func ParseKind(raw string, kind Kind) (SRN, error) {
	s, err := Parse(raw)
	if err != nil {
		return SRN{}, err
	}

	if s.Kind != kind {
		return SRN{}, fmt.Errorf("%w: want %q, got %q", ErrKindMismatch, kind, s.Kind)
	}

	return s, nil
}

// String renders the canonical SRN form. Parse(s.String()) == s.
func (s SRN) String() string {
	var b strings.Builder

	b.WriteString(prefix)
	b.WriteString(s.Domain)
	b.WriteByte(':')
	b.WriteString(string(s.Kind))
	b.WriteByte(':')
	b.WriteString(s.Local)

	if s.Version != "" {
		b.WriteByte('@')
		b.WriteString(s.Version)
	}

	return b.String()
}

// Generation returns the integer generation of a record SRN.
// Returns an error for non-record kinds or unversioned SRNs.
func (s SRN) Generation() (int, error) {
	if s.Kind != KindRecord {
		return 0, fmt.Errorf("%w: want %q, got %q", ErrKindMismatch, KindRecord, s.Kind)
	}

	gen, err := strconv.Atoi(s.Version)
	if err != nil || gen < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGeneration, s.Version)
	}

	return gen, nil
}

// WithGeneration returns a copy of a record SRN at the given generation.
func (s SRN) WithGeneration(gen int) (SRN, error) {
	if s.Kind != KindRecord {
		return SRN{}, fmt.Errorf("%w: want %q, got %q", ErrKindMismatch, KindRecord, s.Kind)
	}

	if gen < 1 {
		return SRN{}, fmt.Errorf("%w: %d", ErrInvalidGeneration, gen)
	}

	out := s
	out.Version = strconv.Itoa(gen)

	return out, nil
}

func (s SRN) validate() error {
	versioning, known := kindVersioning[s.Kind]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}

	if s.Domain == "" || s.Local == "" {
		return fmt.Errorf("%w: domain=%q local=%q", ErrEmptyComponent, s.Domain, s.Local)
	}

	if !localRegex.MatchString(s.Domain) {
		return fmt.Errorf("%w: domain %q", ErrMalformed, s.Domain)
	}

	if !localRegex.MatchString(s.Local) {
		return fmt.Errorf("%w: local %q", ErrMalformed, s.Local)
	}

	switch versioning {
	case versionNone:
		if s.Version != "" {
			return fmt.Errorf("%w: kind %q with version %q", ErrUnexpectedVersion, s.Kind, s.Version)
		}
	case versionGeneration:
		if s.Version == "" {
			return fmt.Errorf("%w: kind %q", ErrMissingVersion, s.Kind)
		}

		gen, err := strconv.Atoi(s.Version)
		if err != nil || gen < 1 {
			return fmt.Errorf("%w: %q", ErrInvalidGeneration, s.Version)
		}
		// Reject non-canonical forms like "03" that would break round-trip.
		if strconv.Itoa(gen) != s.Version {
			return fmt.Errorf("%w: non-canonical generation %q", ErrInvalidGeneration, s.Version)
		}
	case versionSemver:
		if s.Version == "" {
			return fmt.Errorf("%w: kind %q", ErrMissingVersion, s.Kind)
		}

		if !semverRegex.MatchString(s.Version) {
			return fmt.Errorf("%w: %q", ErrInvalidSemver, s.Version)
		}
	}

	return nil
}

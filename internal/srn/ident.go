package srn

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned when a name fails the safe-identifier
// grammar. This check is the SQL-injection boundary for every name that
// ends up inside DDL (hook names, feature column names).
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Safe identifiers: lowercase, alnum/underscore, leading letter, at most
// 63 characters (the PostgreSQL identifier limit).
var identifierRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateIdentifier checks a name against the safe-identifier grammar.
//
// Anything that fails here must never reach string-assembled SQL: the
// grammar rejects quotes, semicolons, whitespace, dots and every other
// character with meaning to the database.
func ValidateIdentifier(name string) error {
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

// IsValidIdentifier reports whether name passes ValidateIdentifier.
func IsValidIdentifier(name string) bool {
	return identifierRegex.MatchString(name)
}

package features

import (
	"fmt"

	"github.com/osa-io/osa/internal/domain"
)

// Formats refining string columns.
const (
	formatDateTime = "date-time"
	formatDate     = "date"
	formatUUID     = "uuid"
)

// columnType maps a declared (json_type, format) pair onto the SQL column
// type. The mapping is closed: an unknown pair is a validation error, not
// a fallback to text.
func columnType(col domain.ColumnDef) (string, error) {
	switch col.JSONType {
	case domain.JSONTypeString:
		switch col.Format {
		case "":
			return "TEXT", nil
		case formatDateTime:
			return "TIMESTAMPTZ", nil
		case formatDate:
			return "DATE", nil
		case formatUUID:
			return "UUID", nil
		default:
			return "", domain.NewValidationError("format", fmt.Sprintf("column %q: unknown string format %q", col.Name, col.Format))
		}
	case domain.JSONTypeNumber:
		return "DOUBLE PRECISION", nil
	case domain.JSONTypeInteger:
		return "BIGINT", nil
	case domain.JSONTypeBoolean:
		return "BOOLEAN", nil
	case domain.JSONTypeArray, domain.JSONTypeObject:
		return "JSONB", nil
	default:
		return "", domain.NewValidationError("json_type", fmt.Sprintf("column %q: unknown json type %q", col.Name, col.JSONType))
	}
}

package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa-io/osa/internal/domain"
)

func TestColumnType(t *testing.T) {
	tests := []struct {
		name     string
		jsonType domain.JSONType
		format   string
		want     string
	}{
		{"plain string", domain.JSONTypeString, "", "TEXT"},
		{"timestamp", domain.JSONTypeString, "date-time", "TIMESTAMPTZ"},
		{"date", domain.JSONTypeString, "date", "DATE"},
		{"uuid", domain.JSONTypeString, "uuid", "UUID"},
		{"number", domain.JSONTypeNumber, "", "DOUBLE PRECISION"},
		{"integer", domain.JSONTypeInteger, "", "BIGINT"},
		{"boolean", domain.JSONTypeBoolean, "", "BOOLEAN"},
		{"array", domain.JSONTypeArray, "", "JSONB"},
		{"object", domain.JSONTypeObject, "", "JSONB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := columnType(domain.ColumnDef{Name: "c", JSONType: tt.jsonType, Format: tt.format})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestColumnType_Unknown(t *testing.T) {
	_, err := columnType(domain.ColumnDef{Name: "c", JSONType: "decimal"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = columnType(domain.ColumnDef{Name: "c", JSONType: domain.JSONTypeString, Format: "email"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuildCreateTable(t *testing.T) {
	ddl, err := buildCreateTable("pocket_detect", []catalogColumn{
		{Name: "pocket_count", JSONType: domain.JSONTypeInteger, Required: true},
		{Name: "residues", JSONType: domain.JSONTypeArray},
	})
	require.NoError(t, err)

	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS features.pocket_detect (`+
			`id BIGSERIAL PRIMARY KEY, record_srn TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL, `+
			`pocket_count BIGINT NOT NULL, residues JSONB)`,
		ddl)
}

func TestBuildCreateTable_RejectsUnsafeColumn(t *testing.T) {
	_, err := buildCreateTable("pocket_detect", []catalogColumn{
		{Name: `x"; DROP TABLE depositions; --`, JSONType: domain.JSONTypeString},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestColumnValue(t *testing.T) {
	intCol := catalogColumn{Name: "n", JSONType: domain.JSONTypeInteger, Required: true}
	arrCol := catalogColumn{Name: "residues", JSONType: domain.JSONTypeArray}

	v, err := columnValue(intCol, map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = columnValue(intCol, map[string]any{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	v, err = columnValue(arrCol, map[string]any{"residues": []any{"A12", "B7"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["A12","B7"]`, string(v.([]byte)))

	v, err = columnValue(arrCol, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

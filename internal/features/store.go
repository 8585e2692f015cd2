// Package features materializes per-hook SQL tables so hook output becomes
// queryable alongside the records it describes. Table and column names come
// from hook manifests and pass the safe-identifier grammar before they are
// ever interpolated into DDL; values always travel as placeholders.
package features

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/srn"
	"github.com/osa-io/osa/internal/storage"
)

const (
	// schemaName is the only schema the store ever touches.
	schemaName = "features"

	// insertChunkSize bounds one multi-row INSERT.
	insertChunkSize = 1000
)

type (
	// Store creates and fills dynamic feature tables, one per hook.
	Store struct {
		conn   *storage.Connection
		logger *slog.Logger
	}

	// catalogColumn is the declared shape of one column as recorded in the
	// feature_tables catalog. The catalog entry is the source of truth for
	// drift detection and for insert-time column ordering.
	catalogColumn struct {
		Name     string          `json:"name"`
		JSONType domain.JSONType `json:"json_type"`
		Format   string          `json:"format,omitempty"`
		Required bool            `json:"required,omitempty"`
	}
)

// NewStore creates a feature store over the shared connection.
func NewStore(conn *storage.Connection, logger *slog.Logger) *Store {
	return &Store{conn: conn, logger: logger.With("component", "feature_store")}
}

// CreateTable idempotently materializes the feature table for a hook. A
// table already cataloged with the same column set is a no-op; the same
// name with a different column set is ErrConflict, never a silent migrate.
func (s *Store) CreateTable(ctx context.Context, hookName string, def *domain.HookDefinition) error {
	if err := srn.ValidateIdentifier(hookName); err != nil {
		return fmt.Errorf("%w: table name: %w", domain.ErrValidation, err)
	}

	declared := declaredColumns(def)

	ddl, err := buildCreateTable(hookName, declared)
	if err != nil {
		return err
	}

	declaredJSON, err := json.Marshal(declared)
	if err != nil {
		return fmt.Errorf("failed to encode column catalog: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing []byte

	err = tx.QueryRowContext(ctx,
		`SELECT columns FROM feature_tables WHERE table_name = $1 FOR UPDATE`,
		hookName,
	).Scan(&existing)

	switch {
	case err == nil:
		if !sameColumns(existing, declaredJSON) {
			return fmt.Errorf("%w: feature table %q exists with a different schema", domain.ErrConflict, hookName)
		}

		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to read feature catalog: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+schemaName); err != nil {
		return fmt.Errorf("failed to ensure %s schema: %w", schemaName, err)
	}

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create feature table %q: %w", hookName, err)
	}

	indexDDL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_record_srn ON %s.%s (record_srn)`,
		hookName, schemaName, hookName)
	if _, err := tx.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("failed to index feature table %q: %w", hookName, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feature_tables (table_name, hook_name, record_schema, columns, schema_version)
		 VALUES ($1, $2, $3, $4, 1)`,
		hookName, def.Manifest.Name, nullable(def.Manifest.RecordSchema), declaredJSON)
	if err != nil {
		return fmt.Errorf("failed to catalog feature table %q: %w", hookName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feature table %q: %w", hookName, err)
	}

	s.logger.Info("feature table created", "table", hookName, "columns", len(declared))

	return nil
}

// InsertFeatures replaces the rows for one record in the hook's feature
// table and reports how many were written. Delete-then-insert inside one
// transaction makes redelivered events idempotent.
func (s *Store) InsertFeatures(ctx context.Context, hookName, recordSRN string, rows []map[string]any) (int, error) {
	if err := srn.ValidateIdentifier(hookName); err != nil {
		return 0, fmt.Errorf("%w: table name: %w", domain.ErrValidation, err)
	}

	columns, err := s.catalogFor(ctx, hookName)
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteSQL := fmt.Sprintf(`DELETE FROM %s.%s WHERE record_srn = $1`, schemaName, hookName)
	if _, err := tx.ExecContext(ctx, deleteSQL, recordSRN); err != nil {
		return 0, fmt.Errorf("failed to clear features for %s: %w", recordSRN, err)
	}

	now := time.Now().UTC()
	inserted := 0

	for start := 0; start < len(rows); start += insertChunkSize {
		end := min(start+insertChunkSize, len(rows))

		n, err := s.insertChunk(ctx, tx, hookName, recordSRN, columns, rows[start:end], now)
		if err != nil {
			return 0, err
		}

		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit features for %s: %w", recordSRN, err)
	}

	return inserted, nil
}

// TableColumns returns the cataloged column names of a feature table, in
// declaration order, for query reflection.
func (s *Store) TableColumns(ctx context.Context, hookName string) ([]string, error) {
	columns, err := s.catalogFor(ctx, hookName)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(columns)+3)
	names = append(names, "id", "record_srn", "created_at")

	for _, col := range columns {
		names = append(names, col.Name)
	}

	return names, nil
}

func (s *Store) catalogFor(ctx context.Context, hookName string) ([]catalogColumn, error) {
	var raw []byte

	err := s.conn.QueryRowContext(ctx,
		`SELECT columns FROM feature_tables WHERE table_name = $1`, hookName,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: feature table %q", domain.ErrNotFound, hookName)
		}

		return nil, fmt.Errorf("failed to read feature catalog: %w", err)
	}

	var columns []catalogColumn
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, fmt.Errorf("failed to decode feature catalog for %q: %w", hookName, err)
	}

	return columns, nil
}

func (s *Store) insertChunk(ctx context.Context, tx *sql.Tx, hookName, recordSRN string, columns []catalogColumn, rows []map[string]any, now time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(columns)+2)
	names = append(names, "record_srn", "created_at")

	for _, col := range columns {
		names = append(names, col.Name)
	}

	width := len(names)
	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)

	for i, row := range rows {
		marks := make([]string, width)
		for j := range marks {
			marks[j] = fmt.Sprintf("$%d", i*width+j+1)
		}

		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		args = append(args, recordSRN, now)

		for _, col := range columns {
			value, err := columnValue(col, row)
			if err != nil {
				return 0, err
			}

			args = append(args, value)
		}
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES %s`,
		schemaName, hookName, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	result, err := tx.ExecContext(ctx, insertSQL, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert features into %q: %w", hookName, err)
	}

	n, _ := result.RowsAffected()

	return int(n), nil
}

// columnValue extracts and coerces one declared column's value from a row.
// Array and object values travel as serialized JSON; everything else is
// passed through for the driver to bind.
func columnValue(col catalogColumn, row map[string]any) (any, error) {
	value, present := row[col.Name]
	if !present || value == nil {
		if col.Required {
			return nil, domain.NewValidationError(col.Name, "required feature column is missing")
		}

		return nil, nil
	}

	if col.JSONType == domain.JSONTypeArray || col.JSONType == domain.JSONTypeObject {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %w", domain.ErrValidation, col.Name, err)
		}

		return raw, nil
	}

	return value, nil
}

// declaredColumns converts a manifest feature schema into catalog form.
func declaredColumns(def *domain.HookDefinition) []catalogColumn {
	cols := def.Manifest.FeatureSchema.Columns
	declared := make([]catalogColumn, 0, len(cols))

	for _, col := range cols {
		declared = append(declared, catalogColumn{
			Name:     col.Name,
			JSONType: col.JSONType,
			Format:   col.Format,
			Required: col.Required,
		})
	}

	return declared
}

// buildCreateTable assembles the CREATE TABLE statement. Every name has
// passed the safe-identifier grammar; values never appear here.
func buildCreateTable(tableName string, columns []catalogColumn) (string, error) {
	defs := []string{
		"id BIGSERIAL PRIMARY KEY",
		"record_srn TEXT NOT NULL",
		"created_at TIMESTAMPTZ NOT NULL",
	}

	for _, col := range columns {
		if err := srn.ValidateIdentifier(col.Name); err != nil {
			return "", fmt.Errorf("%w: column name: %w", domain.ErrValidation, err)
		}

		sqlType, err := columnType(domain.ColumnDef{Name: col.Name, JSONType: col.JSONType, Format: col.Format})
		if err != nil {
			return "", err
		}

		def := col.Name + " " + sqlType
		if col.Required {
			def += " NOT NULL"
		}

		defs = append(defs, def)
	}

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s)`,
		schemaName, tableName, strings.Join(defs, ", ")), nil
}

// sameColumns compares two catalog encodings structurally, tolerating key
// ordering differences between encoder versions.
func sameColumns(a, b []byte) bool {
	var left, right []catalogColumn

	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}

	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}

	if len(left) != len(right) {
		return false
	}

	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}

	return true
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

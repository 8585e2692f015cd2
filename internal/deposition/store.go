package deposition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/srn"
	"github.com/osa-io/osa/internal/storage"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// Store is the PostgreSQL store for depositions, records and validation
// runs. Mutations that must ride an outbox append accept the caller's
// transaction.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewStore creates a deposition store over an open connection.
func NewStore(conn *storage.Connection, logger *slog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.With("component", "deposition_store"),
	}
}

// BeginTx starts a transaction for callers combining store mutations with
// outbox appends.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, nil)
}

// Create inserts a draft deposition inside the caller's transaction.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, d *Deposition) error {
	parsed, err := srn.Parse(d.SRN)
	if err != nil {
		return fmt.Errorf("%w: deposition srn: %w", domain.ErrValidation, err)
	}

	if parsed.Kind != srn.KindDeposition {
		return fmt.Errorf("%w: srn %q: kind must be %q", domain.ErrValidation, d.SRN, srn.KindDeposition)
	}

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO depositions
			(srn, owner_id, convention_srn, source_name, status, record, staged_dir, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $8)`,
		d.SRN, d.Owner, d.ConventionSRN, d.SourceName, StatusDraft, []byte(d.Record), d.StagedDir, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: deposition %s already exists", domain.ErrConflict, d.SRN)
		}

		return fmt.Errorf("failed to create deposition %s: %w", d.SRN, err)
	}

	d.Status = StatusDraft
	d.CreatedAt = now
	d.UpdatedAt = now

	return nil
}

// Get loads one deposition.
func (s *Store) Get(ctx context.Context, depositionSRN string) (*Deposition, error) {
	d := &Deposition{}

	var (
		sourceName sql.NullString
		stagedDir  sql.NullString
		recordSRN  sql.NullString
		record     []byte
	)

	row := s.conn.QueryRowContext(ctx, `
		SELECT srn, owner_id, convention_srn, source_name, status, record,
		       staged_dir, record_srn, created_at, updated_at, submitted_at, published_at
		FROM depositions
		WHERE srn = $1`,
		depositionSRN,
	)

	err := row.Scan(&d.SRN, &d.Owner, &d.ConventionSRN, &sourceName, &d.Status, &record,
		&stagedDir, &recordSRN, &d.CreatedAt, &d.UpdatedAt, &d.SubmittedAt, &d.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: deposition %s", domain.ErrNotFound, depositionSRN)
		}

		return nil, fmt.Errorf("failed to load deposition %s: %w", depositionSRN, err)
	}

	d.SourceName = sourceName.String
	d.StagedDir = stagedDir.String
	d.RecordSRN = recordSRN.String
	d.Record = record

	return d, nil
}

// Submit moves a draft deposition to submitted inside the caller's
// transaction. Idempotent by status check: a deposition already past draft
// reports false with no error, so re-delivered submit events are no-ops.
func (s *Store) Submit(ctx context.Context, tx *sql.Tx, depositionSRN string, now time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE depositions
		SET status = $1, submitted_at = $2, updated_at = $2
		WHERE srn = $3 AND status = $4`,
		StatusSubmitted, now, depositionSRN, StatusDraft,
	)
	if err != nil {
		return false, fmt.Errorf("failed to submit deposition %s: %w", depositionSRN, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count submitted rows: %w", err)
	}

	if affected > 0 {
		return true, nil
	}

	// Distinguish "already submitted" from "no such deposition".
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM depositions WHERE srn = $1)`, depositionSRN,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check deposition %s: %w", depositionSRN, err)
	}

	if !exists {
		return false, fmt.Errorf("%w: deposition %s", domain.ErrNotFound, depositionSRN)
	}

	return false, nil
}

// transition moves a deposition between statuses with a guard on the
// current status.
func (s *Store) transition(ctx context.Context, tx *sql.Tx, depositionSRN string, from []Status, to Status, now time.Time) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	var exec interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	} = s.conn

	if tx != nil {
		exec = tx
	}

	result, err := exec.ExecContext(ctx, `
		UPDATE depositions
		SET status = $1, updated_at = $2
		WHERE srn = $3 AND status = ANY($4)`,
		to, now, depositionSRN, pq.Array(fromStrs),
	)
	if err != nil {
		return false, fmt.Errorf("failed to move deposition %s to %s: %w", depositionSRN, to, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count transitioned rows: %w", err)
	}

	return affected > 0, nil
}

// MarkValidating moves a submitted deposition to validating.
func (s *Store) MarkValidating(ctx context.Context, tx *sql.Tx, depositionSRN string, now time.Time) (bool, error) {
	return s.transition(ctx, tx, depositionSRN, []Status{StatusSubmitted}, StatusValidating, now)
}

// ReturnToDraft moves a deposition back to draft after a rejected or
// failed validation. No-op when the deposition no longer exists or is
// already terminal.
func (s *Store) ReturnToDraft(ctx context.Context, depositionSRN string, now time.Time) (bool, error) {
	return s.transition(ctx, nil, depositionSRN, []Status{StatusSubmitted, StatusValidating}, StatusDraft, now)
}

// Publish records the published generation on the deposition and inserts
// the catalog record, all inside the caller's transaction. The record SRN
// is immutable once set.
func (s *Store) Publish(ctx context.Context, tx *sql.Tx, depositionSRN string, record *Record, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE depositions
		SET status = $1, record_srn = $2, published_at = $3, updated_at = $3
		WHERE srn = $4 AND status = $5 AND record_srn IS NULL`,
		StatusPublished, record.SRN, now, depositionSRN, StatusValidating,
	)
	if err != nil {
		return fmt.Errorf("failed to publish deposition %s: %w", depositionSRN, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count published rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: deposition %s is not awaiting publication", domain.ErrInvalidState, depositionSRN)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (srn, deposition_srn, convention_srn, generation, document, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.SRN, record.DepositionSRN, record.ConventionSRN, record.Generation, []byte(record.Document), now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: record %s already exists", domain.ErrConflict, record.SRN)
		}

		return fmt.Errorf("failed to insert record %s: %w", record.SRN, err)
	}

	return nil
}

// GetRecord loads one published record generation.
func (s *Store) GetRecord(ctx context.Context, recordSRN string) (*Record, error) {
	r := &Record{}

	var document []byte

	row := s.conn.QueryRowContext(ctx, `
		SELECT srn, deposition_srn, convention_srn, generation, document, published_at
		FROM records
		WHERE srn = $1`,
		recordSRN,
	)

	err := row.Scan(&r.SRN, &r.DepositionSRN, &r.ConventionSRN, &r.Generation, &document, &r.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, recordSRN)
		}

		return nil, fmt.Errorf("failed to load record %s: %w", recordSRN, err)
	}

	r.Document = document

	return r, nil
}

// NextGeneration returns the next record generation for a deposition.
func (s *Store) NextGeneration(ctx context.Context, tx *sql.Tx, depositionSRN string) (int, error) {
	var next int

	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(generation), 0) + 1
		FROM records
		WHERE deposition_srn = $1`,
		depositionSRN,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next generation for %s: %w", depositionSRN, err)
	}

	return next, nil
}

// CreateValidationRun inserts a pending run inside the caller's
// transaction.
func (s *Store) CreateValidationRun(ctx context.Context, tx *sql.Tx, run *domain.ValidationRun) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO validation_runs (srn, deposition_srn, status, results, started_at, expires_at)
		VALUES ($1, $2, $3, '[]', $4, $5)`,
		run.SRN, run.DepositionSRN, domain.ValidationPending, run.StartedAt, run.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: validation run %s already exists", domain.ErrConflict, run.SRN)
		}

		return fmt.Errorf("failed to create validation run %s: %w", run.SRN, err)
	}

	return nil
}

// GetValidationRun loads one run.
func (s *Store) GetValidationRun(ctx context.Context, runSRN string) (*domain.ValidationRun, error) {
	run := &domain.ValidationRun{}

	var results []byte

	row := s.conn.QueryRowContext(ctx, `
		SELECT srn, deposition_srn, status, results, started_at, completed_at, expires_at
		FROM validation_runs
		WHERE srn = $1`,
		runSRN,
	)

	err := row.Scan(&run.SRN, &run.DepositionSRN, &run.Status, &results,
		&run.StartedAt, &run.CompletedAt, &run.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: validation run %s", domain.ErrNotFound, runSRN)
		}

		return nil, fmt.Errorf("failed to load validation run %s: %w", runSRN, err)
	}

	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results for run %s: %w", runSRN, err)
	}

	return run, nil
}

// MarkRunRunning claims a run for hook execution under a lease. A pending
// run is always picked; a running run is re-picked only once its lease
// expired, so a run orphaned by a crashed worker can be resumed by the
// redelivered ValidationRequested event while a live worker's claim stays
// exclusive.
func (s *Store) MarkRunRunning(ctx context.Context, runSRN string, now time.Time, lease time.Duration) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = $1, expires_at = $2
		WHERE srn = $3
		  AND (status = $4 OR (status = $1 AND expires_at <= $5))`,
		domain.ValidationRunning, now.Add(lease), runSRN, domain.ValidationPending, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark run %s running: %w", runSRN, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count running rows: %w", err)
	}

	return affected > 0, nil
}

// CompleteRun stores the hook results and terminal status inside the
// caller's transaction.
func (s *Store) CompleteRun(ctx context.Context, tx *sql.Tx, runSRN string, status domain.ValidationStatus, results []domain.HookResult, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal run status", domain.ErrValidation, status)
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results for run %s: %w", runSRN, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = $1, results = $2, completed_at = $3, expires_at = NULL
		WHERE srn = $4 AND status = $5`,
		status, encoded, now, runSRN, domain.ValidationRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runSRN, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count completed rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: validation run %s is not running", domain.ErrInvalidState, runSRN)
	}

	return nil
}

package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osa-io/osa/internal/storage"
)

// Sync outcome labels recorded in source_state.
const (
	syncStatusSucceeded = "succeeded"
	syncStatusFailed    = "failed"
)

type (
	// SourceState is the persisted continuation state of one source: the
	// opaque session document its container last wrote, plus bookkeeping
	// about the last sync.
	SourceState struct {
		Name         string
		SessionState json.RawMessage
		LastSyncedAt *time.Time
		LastStatus   string
	}

	// SourceStateStore persists per-source sync state.
	SourceStateStore struct {
		conn *storage.Connection
	}
)

// NewSourceStateStore creates a store over the shared connection.
func NewSourceStateStore(conn *storage.Connection) *SourceStateStore {
	return &SourceStateStore{conn: conn}
}

// Get returns the state for a source, or nil when it has never synced.
func (s *SourceStateStore) Get(ctx context.Context, name string) (*SourceState, error) {
	state := &SourceState{Name: name}

	var (
		session    []byte
		lastSynced sql.NullTime
		lastStatus sql.NullString
	)

	err := s.conn.QueryRowContext(ctx,
		`SELECT session_state, last_synced_at, last_status
		 FROM source_state WHERE name = $1`, name,
	).Scan(&session, &lastSynced, &lastStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read source state for %q: %w", name, err)
	}

	state.SessionState = session

	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		state.LastSyncedAt = &t
	}

	state.LastStatus = lastStatus.String

	return state, nil
}

// Save upserts a source's state after a sync attempt. A nil session keeps
// the previously stored one so a failed sync does not lose the cursor.
func (s *SourceStateStore) Save(ctx context.Context, name string, session json.RawMessage, status string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO source_state (name, session_state, last_synced_at, last_status, updated_at)
		 VALUES ($1, $2, $3, $4, $3)
		 ON CONFLICT (name) DO UPDATE SET
		     session_state = COALESCE(EXCLUDED.session_state, source_state.session_state),
		     last_synced_at = EXCLUDED.last_synced_at,
		     last_status = EXCLUDED.last_status,
		     updated_at = EXCLUDED.updated_at`,
		name, []byte(session), now, status)
	if err != nil {
		return fmt.Errorf("failed to save source state for %q: %w", name, err)
	}

	return nil
}

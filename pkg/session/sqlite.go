package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// SQLiteStore persists session snapshots as JSON rows keyed by id.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	// The controller is the only writer; a single connection sidesteps
	// sqlite's writer lock contention.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		run_session_id TEXT PRIMARY KEY,
		work_id TEXT,
		state TEXT,
		snapshot JSON,
		updated_at DATETIME
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("session: migrate: %w", err)
	}
	return nil
}

// Save upserts the session snapshot.
func (s *SQLiteStore) Save(ctx context.Context, sess *contracts.SessionState) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	query := `INSERT INTO sessions (run_session_id, work_id, state, snapshot, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(run_session_id) DO UPDATE SET
		work_id = excluded.work_id,
		state = excluded.state,
		snapshot = excluded.snapshot,
		updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		sess.RunSessionID, sess.WorkID, string(sess.State),
		string(snapshot), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("session: save %s: %w", sess.RunSessionID, err)
	}
	return nil
}

// Load returns the snapshot for id, or (nil, nil) when none exists.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*contracts.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE run_session_id = ?`, id)
	var snapshot string
	if err := row.Scan(&snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	var sess contracts.SessionState
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt snapshot %s: %w", id, err)
	}
	return &sess, nil
}

// Delete removes the snapshot for id. Deleting an absent id is not an
// error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE run_session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

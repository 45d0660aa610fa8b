// Package sqlite is the SQLite run history backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

// Store is a SQLite implementation of storage.RunStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.RunStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite admits one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// dsn applies the pragmas to every pooled connection, not just the first.
func dsn(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			error TEXT,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stage TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState upserts a running snapshot. A completed run keeps its status.
func (s *Store) SaveState(ctx context.Context, runID string, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	now := s.now().Format(time.RFC3339Nano)

	query := `INSERT INTO runs (id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, runID, storage.StatusRunning, string(raw), now, now); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// LoadState returns the latest snapshot of a run.
func (s *Store) LoadState(ctx context.Context, runID string) (map[string]any, error) {
	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

// CompleteRun records the final status and snapshot of a run.
func (s *Store) CompleteRun(ctx context.Context, runID, status, errMsg string, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	now := s.now().Format(time.RFC3339Nano)

	query := `INSERT INTO runs (id, status, error, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, error = excluded.error,
			state = excluded.state, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, runID, status, nullString(errMsg), string(raw), now, now); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun returns the persisted record of a run.
func (s *Store) GetRun(ctx context.Context, runID string) (*storage.RunRecord, error) {
	query := `SELECT id, status, error, state, created_at, updated_at FROM runs WHERE id = ?`

	var (
		rec                  storage.RunRecord
		errMsg               sql.NullString
		raw                  string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&rec.RunID, &rec.Status, &errMsg, &raw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &rec.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	rec.Error = errMsg.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// AppendEvent stores one stage event. Replaying the same event is a no-op.
func (s *Store) AppendEvent(ctx context.Context, event envelope.StageEvent) error {
	query := `INSERT INTO run_events (id, run_id, seq, stage, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.Seq, event.Stage, event.Text,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in emission order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]envelope.StageEvent, error) {
	query := `SELECT id, run_id, seq, stage, text, created_at FROM run_events WHERE run_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []envelope.StageEvent{}
	for rows.Next() {
		var (
			ev envelope.StageEvent
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Stage, &ev.Text, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

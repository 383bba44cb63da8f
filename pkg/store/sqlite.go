package store

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

	"github.com/mikeboe/research-director/pkg/research"
)

// SQLiteStore keeps snapshots in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

var _ research.StateStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS research_states (
			id              TEXT PRIMARY KEY,
			query           TEXT NOT NULL,
			status          TEXT NOT NULL,
			iteration_count INTEGER NOT NULL DEFAULT 0,
			state           TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_research_states_created ON research_states(created_at DESC);
	`)
	return err
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for state.ID
func (s *SQLiteStore) Save(ctx context.Context, state *research.State) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("store: state has no id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_states (id, query, status, iteration_count, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			iteration_count = excluded.iteration_count,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.ID, state.Query, string(state.Status), state.IterationCount, string(data),
		state.CreatedAt.UTC().Format(time.RFC3339Nano), state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: save state %s: %w", state.ID, err)
	}
	return nil
}

// Load returns the snapshot for id
func (s *SQLiteStore) Load(ctx context.Context, id string) (*research.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM research_states WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", research.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state %s: %w", id, err)
	}
	var state research.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("store: decode state %s: %w", id, err)
	}
	return &state, nil
}

// Summary is a listing row
type Summary struct {
	ID             string          `json:"id"`
	Query          string          `json:"query"`
	Status         research.Status `json:"status"`
	IterationCount int             `json:"iteration_count"`
	UpdatedAt      string          `json:"updated_at"`
}

// List returns up to limit snapshots, newest first
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, iteration_count, updated_at
		FROM research_states
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list states: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Query, &status, &sum.IterationCount, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan state: %w", err)
		}
		sum.Status = research.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mikeboe/research-director/pkg/research"
)

// PostgresStore keeps snapshots in the research_jobs table, one row per run
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore uses an existing pool. The schema comes from
// database.InitSchema.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ research.StateStore = (*PostgresStore)(nil)

// Save upserts the job row for state.ID, mirroring status, report and error
// into their own columns.
func (p *PostgresStore) Save(ctx context.Context, state *research.State) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("store: state has no id")
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	var report, errText *string
	if state.Report != "" {
		report = &state.Report
	}
	if state.Error != "" {
		errText = &state.Error
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO research_jobs (id, topic, status, state, report, error, iteration_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			report = EXCLUDED.report,
			error = EXCLUDED.error,
			iteration_count = EXCLUDED.iteration_count,
			updated_at = NOW()
	`, state.ID, state.Query, string(state.Status), stateJSON, report, errText, state.IterationCount, state.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save state %s: %w", state.ID, err)
	}
	return nil
}

// Load returns the last snapshot for id
func (p *PostgresStore) Load(ctx context.Context, id string) (*research.State, error) {
	var stateJSON []byte
	err := p.pool.QueryRow(ctx, "SELECT state FROM research_jobs WHERE id = $1", id).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && len(stateJSON) == 0) {
		return nil, fmt.Errorf("%w: %s", research.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state %s: %w", id, err)
	}

	var state research.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("store: decode state %s: %w", id, err)
	}
	return &state, nil
}

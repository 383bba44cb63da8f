package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/research-director/pkg/database"
	"github.com/mikeboe/research-director/pkg/research"
)

// JobRepository persists job rows and their log records
type JobRepository interface {
	LogWriter
	InsertJob(ctx context.Context, id uuid.UUID, topic, status string, config []byte) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
	// InterruptedJobs lists jobs left non-terminal by a previous process
	InterruptedJobs(ctx context.Context) ([]uuid.UUID, error)
}

// PostgresJobs stores jobs in research_jobs and logs in research_logs
type PostgresJobs struct {
	DB *database.PostgresDB
}

var _ JobRepository = (*PostgresJobs)(nil)

const jobColumns = `id, topic, status, report, error, iteration_count, created_at, updated_at, config`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	err := row.Scan(&job.ID, &job.Topic, &job.Status, &job.Report, &job.Error,
		&job.IterationCount, &job.CreatedAt, &job.UpdatedAt, &job.Config)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (p *PostgresJobs) InsertJob(ctx context.Context, id uuid.UUID, topic, status string, config []byte) (*Job, error) {
	query := `
		INSERT INTO research_jobs (id, topic, status, config)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + jobColumns

	job, err := scanJob(p.DB.Pool.QueryRow(ctx, query, id, topic, status, config))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (p *PostgresJobs) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(p.DB.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", research.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (p *PostgresJobs) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := p.DB.Pool.Query(ctx, `SELECT `+jobColumns+` FROM research_jobs ORDER BY created_at DESC LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (p *PostgresJobs) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := p.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (p *PostgresJobs) InterruptedJobs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.DB.Pool.Query(ctx, `SELECT id FROM research_jobs WHERE status IN ('initialized', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan interrupted jobs: %w", err)
	}
	return ids, nil
}

func (p *PostgresJobs) WriteLog(ctx context.Context, jobID uuid.UUID, at time.Time, level, message string, metadata []byte) error {
	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.DB.Pool.Exec(ctx, query, jobID, at, level, message, metadata)
	return err
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/research-director/pkg/database"
	"github.com/mikeboe/research-director/pkg/index"
	"github.com/mikeboe/research-director/pkg/metrics"
	"github.com/mikeboe/research-director/pkg/research"
	"github.com/mikeboe/research-director/pkg/store"
)

// JobService is what the HTTP layer needs from the job backend
type JobService interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
	GetJobState(ctx context.Context, id uuid.UUID) (*research.State, error)
	ResumeJob(ctx context.Context, id uuid.UUID) (*Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
}

// EngineFactory builds a fresh engine whose components log to logger
type EngineFactory func(logger *slog.Logger) *research.Engine

type Service struct {
	Jobs      JobRepository
	Store     research.StateStore
	NewEngine EngineFactory
	// Indexer, when set, embeds verified items after every checkpoint
	Indexer *index.Indexer
	Cfg     research.Config
	Console slog.Handler

	mu   sync.Mutex
	runs map[uuid.UUID]*run
	wg   sync.WaitGroup
}

// run is the registration of one worker. A job id maps to at most one run.
type run struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

var _ JobService = (*Service)(nil)

func NewService(db *database.PostgresDB, cfg research.Config, factory EngineFactory) *Service {
	return &Service{
		Jobs:      &PostgresJobs{DB: db},
		Store:     store.NewPostgresStore(db.Pool),
		NewEngine: factory,
		Cfg:       cfg,
		runs:      make(map[uuid.UUID]*run),
	}
}

type Job struct {
	ID             uuid.UUID       `json:"id"`
	Topic          string          `json:"topic"`
	Status         string          `json:"status"`
	Report         *string         `json:"report,omitempty"`
	Error          *string         `json:"error,omitempty"`
	IterationCount int             `json:"iteration_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Config         json.RawMessage `json:"config"`
}

type CreateJobRequest struct {
	Topic         string `json:"topic" jsonschema:"the research question"`
	MaxIterations int    `json:"max_iterations,omitempty" jsonschema:"iteration limit for the job"`
	BatchSize     int    `json:"batch_size,omitempty" jsonschema:"items collected or verified per iteration"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}

	cfg := s.Cfg
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	configJSON, _ := json.Marshal(cfg)

	state := research.NewState(topic)
	id, err := uuid.Parse(state.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid state id %q: %w", state.ID, err)
	}

	r, ok := s.reserve(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s is already running", ErrConflict, id)
	}
	job, err := s.Jobs.InsertJob(ctx, id, topic, string(state.Status), configJSON)
	if err != nil {
		s.release(r)
		return nil, err
	}

	s.launch(r, state, cfg)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.Jobs.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	return s.Jobs.ListJobs(ctx)
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	return s.Jobs.GetJobLogs(ctx, jobID)
}

// GetJobState returns the last persisted snapshot of a job
func (s *Service) GetJobState(ctx context.Context, id uuid.UUID) (*research.State, error) {
	return s.Store.Load(ctx, id.String())
}

// ResumeJob restarts a job that is not running and has not reached a terminal
// status, typically after a server restart. The job id is reserved before
// anything is read so concurrent calls start at most one worker.
func (s *Service) ResumeJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	r, ok := s.reserve(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s is already running", ErrConflict, id)
	}

	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		s.release(r)
		return nil, err
	}
	state, err := s.Store.Load(ctx, id.String())
	if errors.Is(err, research.ErrNotFound) {
		state = research.NewState(job.Topic)
		state.ID = id.String()
	} else if err != nil {
		s.release(r)
		return nil, err
	}
	if state.Status.Terminal() {
		s.release(r)
		return job, nil
	}

	cfg := s.Cfg
	if len(job.Config) > 0 {
		_ = json.Unmarshal(job.Config, &cfg)
	}
	s.launch(r, state, cfg)
	return job, nil
}

// ResumeInterrupted restarts every job left non-terminal by a previous process
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	ids, err := s.Jobs.InterruptedJobs(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		if _, err := s.ResumeJob(ctx, id); err != nil {
			slog.Error("Failed to resume job", "job", id, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// CancelJob stops a running job. The engine records it as failed.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s is not running", research.ErrNotFound, id)
	}
	r.cancel()
	return nil
}

// Shutdown cancels running jobs and waits for their workers to persist
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) running(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// reserve registers a run for id unless one is already registered
func (s *Service) reserve(id uuid.UUID) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[uuid.UUID]*run)
	}
	if _, ok := s.runs[id]; ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: id, ctx: ctx, cancel: cancel}
	s.runs[id] = r
	return r, true
}

// release drops r if it is still the registered run for its id
func (s *Service) release(r *run) {
	s.mu.Lock()
	if s.runs[r.id] == r {
		delete(s.runs, r.id)
	}
	s.mu.Unlock()
	r.cancel()
}

func (s *Service) launch(r *run, state *research.State, cfg research.Config) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(r)
		s.runWorker(r.ctx, r.id, state, cfg)
	}()
}

func (s *Service) runWorker(ctx context.Context, jobID uuid.UUID, state *research.State, cfg research.Config) {
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	dbLogger := slog.New(NewDBLogHandler(s.Jobs, jobID, s.Console))

	engine := s.NewEngine(dbLogger)
	engine.Config.MaxIterations = cfg.MaxIterations
	if st, ok := engine.Stages.(*research.Stages); ok && cfg.BatchSize > 0 {
		st.BatchSize = cfg.BatchSize
	}
	engine.Store = s.Store
	if s.Indexer != nil {
		engine.OnStateUpdate = func(snapshot research.State) {
			if _, err := s.Indexer.Index(ctx, &snapshot); err != nil {
				dbLogger.Error("Failed to index verified content", "error", err)
			}
		}
	}

	final, err := engine.Resume(ctx, state)
	if err != nil {
		dbLogger.Error("Research failed", "error", err)
		return
	}
	dbLogger.Info("Research finished", "status", final.Status, "iterations", final.IterationCount, "sources", len(final.VerifiedData))
}

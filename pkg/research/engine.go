package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikeboe/research-director/pkg/metrics"
)

// StageRunner executes the stage named by an action
type StageRunner interface {
	Run(ctx context.Context, action Action, state *State) (StageResult, error)
}

// Engine owns the research loop. One stage runs at a time and observers only
// see the state between stages.
type Engine struct {
	Config   Config
	Selector ActionSelector
	Stages   StageRunner
	// Store, when set, receives a snapshot after every iteration
	Store  StateStore
	Logger *slog.Logger
	// OnStateUpdate receives a copy of the state after every iteration
	OnStateUpdate func(state State)
}

// Collaborators groups the external dependencies of an engine
type Collaborators struct {
	Planner Planner
	Search  SearchProvider
	Fetcher Fetcher
	Judge   Judge
	Advisor Advisor
	Store   StateStore
}

// NewEngine builds an engine with the rule-based selector and default stages
func NewEngine(cfg Config, c Collaborators) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		Config:   cfg,
		Selector: NewSelector(c.Advisor, cfg.MaxItemAttempts),
		Stages:   NewStages(cfg, c.Planner, c.Search, c.Fetcher, c.Judge),
		Store:    c.Store,
		Logger:   slog.Default(),
	}
}

// SetLogger points the engine and its default components at logger
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.Logger = logger
	if sel, ok := e.Selector.(*Selector); ok {
		sel.Logger = logger
	}
	if st, ok := e.Stages.(*Stages); ok {
		st.Logger = logger
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run starts a new research run for query
func (e *Engine) Run(ctx context.Context, query string) (*State, error) {
	return e.Resume(ctx, NewState(query))
}

// Resume drives state until it reaches a terminal status. A state that is
// already terminal is returned unchanged.
func (e *Engine) Resume(ctx context.Context, state *State) (*State, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: nil state", ErrFatal)
	}
	if state.Status.Terminal() {
		return state, nil
	}
	if e.Selector == nil || e.Stages == nil {
		return e.fail(ctx, state, fmt.Errorf("%w: engine has no selector or stages", ErrFatal))
	}

	start := time.Now()
	state.Status = StatusRunning
	e.logger().Info("Starting research loop", "query", state.Query, "id", state.ID, "max_iterations", e.Config.MaxIterations)
	e.checkpoint(ctx, state)

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, state, fmt.Errorf("research canceled: %w", err))
		}

		action, rationale, err := e.Selector.SelectNext(ctx, state)
		if err != nil {
			return e.fail(ctx, state, fmt.Errorf("%w: selecting next action: %w", ErrFatal, err))
		}
		if !action.Valid() {
			return e.fail(ctx, state, fmt.Errorf("%w: %w %q", ErrFatal, ErrUnknownAction, action))
		}

		if action == ActionComplete {
			e.logger().Info("Research complete!", "iterations", state.IterationCount)
			return e.finish(ctx, state, StatusCompleted, start), nil
		}
		if state.IterationCount >= e.Config.MaxIterations {
			e.logger().Warn("Iteration limit reached", "iterations", state.IterationCount, "next_action", action)
			return e.finish(ctx, state, StatusStopped, start), nil
		}

		iteration := state.IterationCount + 1
		e.logger().Info("Starting iteration", "iteration", iteration, "max", e.Config.MaxIterations, "action", action, "rationale", rationale)

		stepStart := time.Now()
		result, err := e.Stages.Run(ctx, action, state)
		elapsed := time.Since(stepStart)
		metrics.StageDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())

		if result.State != nil {
			state = result.State
		}
		state.IterationCount = iteration
		state.History = append(state.History, Step{
			Iteration: iteration,
			Action:    action,
			Rationale: rationale,
			Applied:   result.Applied && err == nil,
			StartedAt: stepStart.UTC(),
			Duration:  elapsed,
		})
		metrics.StageExecutions.WithLabelValues(string(action), appliedLabel(result.Applied)).Inc()

		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrFatal) {
				err = fmt.Errorf("research canceled during %s: %w", action, err)
			} else {
				err = fmt.Errorf("stage %s: %w", action, err)
			}
			return e.fail(ctx, state, err)
		}
		if !result.Applied {
			e.logger().Info("Stage made no changes", "action", action)
		}

		e.checkpoint(ctx, state)
	}
}

func appliedLabel(applied bool) string {
	if applied {
		return "true"
	}
	return "false"
}

func (e *Engine) finish(ctx context.Context, state *State, status Status, start time.Time) *State {
	state.Status = status
	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	e.checkpoint(ctx, state)
	return state
}

func (e *Engine) fail(ctx context.Context, state *State, err error) (*State, error) {
	state.Status = StatusFailed
	state.Error = err.Error()
	e.logger().Error("Research failed", "error", err, "iterations", state.IterationCount)
	metrics.RunsFinished.WithLabelValues(string(StatusFailed)).Inc()
	// persist the failure even when the run context is already canceled
	e.checkpoint(context.WithoutCancel(ctx), state)
	return state, err
}

// checkpoint exposes the state to observers between stages
func (e *Engine) checkpoint(ctx context.Context, state *State) {
	state.UpdatedAt = time.Now().UTC()
	if e.OnStateUpdate != nil {
		e.OnStateUpdate(*state.Clone())
	}
	if e.Store != nil {
		if err := e.Store.Save(ctx, state); err != nil {
			e.logger().Error("Failed to save state", "id", state.ID, "error", err)
		}
	}
}

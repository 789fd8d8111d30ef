// Package control is the run control surface: it starts, stops and restarts
// pipeline runs in the background and reports their persisted status.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/migrate"
	"github.com/listenupapp/bookbridge/internal/runstore"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/validation"
)

// runNamespace derives seeded run ids.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/listenupapp/bookbridge/runs"))

// DefaultListLimit is the number of runs ListRuns returns when no limit is given.
const DefaultListLimit = 20

// MaxListLimit caps ListRuns.
const MaxListLimit = 500

// Service launches runs and tracks the ones executing in this process.
// At most one run per pipeline is active at a time.
type Service struct {
	engine    *migrate.Engine
	runs      *runstore.Store
	validator *validation.Validator
	logger    *logger.Logger

	// ctx outlives the requests that start runs; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[domain.Pipeline]*handle
	handles map[string]*handle
}

// handle is one run executing in a background goroutine.
type handle struct {
	runID    string
	pipeline domain.Pipeline
	stop     atomic.Bool
	done     chan struct{}
}

// NewService creates the control service.
func NewService(engine *migrate.Engine, runs *runstore.Store, v *validation.Validator, log *logger.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:    engine,
		runs:      runs,
		validator: v,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[domain.Pipeline]*handle),
		handles:   make(map[string]*handle),
	}
}

// Start launches a run of pipeline and returns its id. With a seed the id is
// derived from (pipeline, seed), and a run that already exists under that id
// is returned instead of starting another one.
func (s *Service) Start(ctx context.Context, pipelineName string, params domain.Params) (string, error) {
	pipeline, err := domain.ParsePipeline(pipelineName)
	if err != nil {
		return "", domainerrors.ValidationWithDetails("validation failed", map[string]string{"pipeline": err.Error()})
	}
	if err := s.validator.Validate(params); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	if params.Seed != "" {
		runID = SeededRunID(pipeline, params.Seed)
		existing, err := s.runs.GetRun(ctx, runID)
		if err == nil {
			s.logger.Info("seeded run already exists",
				logger.KeyRunID, runID,
				"status", existing.Status,
			)
			return runID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", domainerrors.Transient(err, "look up seeded run")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.active[pipeline]; ok {
		if h.runID == runID {
			return runID, nil
		}
		return "", domainerrors.Conflictf("pipeline %s already has an active run %s", pipeline, h.runID)
	}

	run := domain.NewRun(runID, pipeline, params, time.Now())
	if err := s.runs.CreateRun(ctx, run, nil); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) && params.Seed != "" {
			return runID, nil
		}
		return "", domainerrors.Transient(err, "create run")
	}

	s.launch(run, identity.New())
	return runID, nil
}

// Restart resumes a failed or stopped run as a new run. Completed stages are
// kept, the others continue from their persisted positions with the
// persisted identity maps, and a completed truncate is not repeated. Only
// Since and Seed of params are applied, and only when set; see Run.Resume.
func (s *Service) Restart(ctx context.Context, runID string, params *domain.Params) (string, error) {
	if params != nil {
		if err := s.validator.Validate(*params); err != nil {
			return "", err
		}
	}

	prev, err := s.Status(ctx, runID)
	if err != nil {
		return "", err
	}
	switch prev.Status {
	case domain.RunRunning:
		return "", domainerrors.Conflictf("run %s is still running", runID)
	case domain.RunCompleted:
		return "", domainerrors.Conflictf("run %s already completed", runID)
	}

	snapshot, err := s.runs.Identity(ctx, runID)
	if err != nil {
		return "", domainerrors.Transient(err, "load identity snapshot")
	}
	ids := identity.New()
	if err := ids.RestoreJSON(snapshot, s.logger.Logger); err != nil {
		s.logger.WithError(err).Warn("identity snapshot unreadable, resuming with empty maps",
			logger.KeyRunID, runID,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.active[prev.Pipeline]; ok {
		return "", domainerrors.Conflictf("pipeline %s already has an active run %s", prev.Pipeline, h.runID)
	}

	next := prev.Resume(uuid.NewString(), params, time.Now())
	if err := s.runs.CreateRun(ctx, next, snapshot); err != nil {
		return "", domainerrors.Transient(err, "create run")
	}

	s.logger.Info("run restarted",
		logger.KeyRunID, next.ID,
		"resumed_from", runID,
	)
	s.launch(next, ids)
	return next.ID, nil
}

// launch executes run in the background. Callers hold s.mu.
func (s *Service) launch(run *domain.Run, ids *identity.Store) {
	h := &handle{runID: run.ID, pipeline: run.Pipeline, done: make(chan struct{})}
	s.active[run.Pipeline] = h
	s.handles[run.ID] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.engine.Execute(s.ctx, run, ids, h.stop.Load)

		s.mu.Lock()
		delete(s.active, h.pipeline)
		delete(s.handles, h.runID)
		close(h.done)
		s.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, migrate.ErrRunStopped):
			s.logger.Info("run stopped", logger.KeyRunID, h.runID)
		default:
			s.logger.WithError(err).WithField("code", domainerrors.CodeOf(err)).Error("run failed", logger.KeyRunID, h.runID)
		}
	}()
}

// Stop asks an active run to halt after its in-flight chunk. It reports
// whether the request was accepted.
func (s *Service) Stop(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[runID]
	if !ok {
		return false
	}
	h.stop.Store(true)
	s.logger.Info("stop requested", logger.KeyRunID, runID)
	return true
}

// Active reports whether pipeline has a run executing in this process.
func (s *Service) Active(pipeline domain.Pipeline) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[pipeline]
	return ok
}

// Status returns the persisted state of a run, with per-stage counters.
func (s *Service) Status(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainerrors.NotFoundf("run %s not found", runID)
	}
	if err != nil {
		return nil, domainerrors.Transient(err, "load run")
	}
	return run, nil
}

// ListRuns returns the most recent runs of a pipeline, newest first.
func (s *Service) ListRuns(ctx context.Context, pipelineName string, limit int) ([]*domain.Run, error) {
	pipeline, err := s.pipeline(pipelineName)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if err := s.validator.Var("limit", limit, fmt.Sprintf("gte=1,lte=%d", MaxListLimit)); err != nil {
		return nil, err
	}

	runs, err := s.runs.ListRuns(ctx, pipeline, limit)
	if err != nil {
		return nil, domainerrors.Transient(err, "list runs")
	}
	return runs, nil
}

// LastRun returns the most recent run of a pipeline.
func (s *Service) LastRun(ctx context.Context, pipelineName string) (*domain.Run, error) {
	pipeline, err := s.pipeline(pipelineName)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.LastRun(ctx, pipeline)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainerrors.NotFoundf("pipeline %s has no runs", pipeline)
	}
	if err != nil {
		return nil, domainerrors.Transient(err, "load last run")
	}
	return run, nil
}

// LastCompletedRun returns the most recent completed run of a pipeline, or
// nil when there is none.
func (s *Service) LastCompletedRun(ctx context.Context, pipeline domain.Pipeline) (*domain.Run, error) {
	run, err := s.runs.LastCompletedRun(ctx, pipeline)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.Transient(err, "load last completed run")
	}
	return run, nil
}

// Wait blocks until the run is no longer executing in this process, then
// returns its persisted state.
func (s *Service) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	h := s.handles[runID]
	s.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Status(ctx, runID)
}

// Shutdown stops every active run at its next chunk boundary and waits for
// them to finish. When ctx expires first the runs are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.handles {
		h.stop.Store(true)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("runs did not stop in time: %w", ctx.Err())
	}
}

func (s *Service) pipeline(name string) (domain.Pipeline, error) {
	p, err := domain.ParsePipeline(name)
	if err != nil {
		return "", domainerrors.NotFoundf("pipeline %q not found", name)
	}
	return p, nil
}

// SeededRunID derives the run id of a seeded start.
func SeededRunID(pipeline domain.Pipeline, seed string) string {
	return uuid.NewSHA1(runNamespace, []byte(string(pipeline)+"\x00"+seed)).String()
}

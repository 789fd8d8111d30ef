package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/ratelimit"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

// ErrRunStopped is returned by Execute when a stop request halted the run.
var ErrRunStopped = errors.New("run stopped")

// StateStore persists run progress. SaveCheckpoint must store the stage
// record and the identity snapshot atomically.
type StateStore interface {
	SaveCheckpoint(ctx context.Context, runID string, stage domain.StageExecution, identity []byte) error
	UpdateRun(ctx context.Context, run *domain.Run) error
}

// StopFunc reports whether a stop has been requested. It is polled between
// chunks.
type StopFunc func() bool

// Options tune chunking and parallelism.
type Options struct {
	ChunkSize   int
	PageSize    int
	SkipLimit   int
	Concurrency int
	// ChunkRate caps chunks per second per stage. Zero means unlimited.
	ChunkRate float64
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{ChunkSize: 100, PageSize: 100, SkipLimit: 10, Concurrency: 2}
}

// Engine runs pipelines between the document and relational stores.
type Engine struct {
	document   *store.Store
	relational *sqlite.Store
	state      StateStore
	opts       Options
	throttle   *ratelimit.KeyedRateLimiter
	logger     *logger.Logger

	// stages builds the stage set of a run. Defaults to buildStages.
	stages func(pipeline domain.Pipeline, params domain.Params, ids *identity.Store) map[string]Stage
}

// NewEngine creates an engine over the two stores.
func NewEngine(document *store.Store, relational *sqlite.Store, state StateStore, opts Options, log *logger.Logger) *Engine {
	defaults := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.SkipLimit < 0 {
		opts.SkipLimit = 0
	}

	e := &Engine{
		document:   document,
		relational: relational,
		state:      state,
		opts:       opts,
		logger:     log,
	}
	e.stages = e.buildStages
	if opts.ChunkRate > 0 {
		e.throttle = ratelimit.New(opts.ChunkRate, 1)
	}
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Execute drives run to a terminal status. Stages already COMPLETED in run are
// skipped and the others resume from their recorded positions, so a restarted
// run passes its predecessor's stage records and identity maps. The run is
// updated in place and persisted through the state store.
//
// Execute returns nil when every stage completed, ErrRunStopped after a stop
// request, and the first stage error otherwise.
func (e *Engine) Execute(ctx context.Context, run *domain.Run, ids *identity.Store, stop StopFunc) error {
	if stop == nil {
		stop = func() bool { return false }
	}
	x := &execution{
		engine: e,
		run:    run,
		ids:    ids,
		stop:   stop,
		log:    e.logger.ForRun(run.ID, string(run.Pipeline)),
	}

	x.log.Info("pipeline started",
		"truncate", run.Params.TruncateBeforeLoad,
		"resumed_from", run.ResumedFrom,
	)

	if err := e.preflight(ctx, run.Pipeline); err != nil {
		return x.finish(ctx, err)
	}
	if err := x.truncate(ctx); err != nil {
		return x.finish(ctx, err)
	}

	stages := e.stages(run.Pipeline, run.Params, ids)

	// Authors and genres are independent: fan out, then join.
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, name := range []string{domain.StageAuthors, domain.StageGenres} {
		st := stages[name]
		g.Go(func() error {
			return x.runStage(ctx, st)
		})
	}
	firstErr := g.Wait()

	if x.completed(domain.StageAuthors) && x.completed(domain.StageGenres) {
		if err := x.runStage(ctx, stages[domain.StageBooks]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if x.completed(domain.StageBooks) {
		if err := x.runStage(ctx, stages[domain.StageComments]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return x.finish(ctx, firstErr)
}

// preflight verifies both stores are reachable before anything is written.
func (e *Engine) preflight(ctx context.Context, pipeline domain.Pipeline) error {
	if !pipeline.Valid() {
		return domainerrors.Precondition(fmt.Sprintf("unknown pipeline %q", pipeline))
	}
	if err := e.document.Ping(ctx); err != nil {
		return domainerrors.Precondition("document store unreachable").WithCause(err)
	}
	if err := e.relational.Ping(ctx); err != nil {
		return domainerrors.Precondition("relational store unreachable").WithCause(err)
	}
	return nil
}

func (e *Engine) truncateTarget(ctx context.Context, target domain.Side) error {
	if target == domain.SideRelational {
		return e.relational.Truncate(ctx)
	}
	return e.document.Truncate(ctx)
}

// execution is the mutable state of one Execute call. mu guards run, which
// the two fanned-out stages update concurrently.
type execution struct {
	engine *Engine
	run    *domain.Run
	ids    *identity.Store
	stop   StopFunc
	log    *logger.Logger

	mu sync.Mutex
}

// stage returns a copy of the named stage record.
func (x *execution) stage(name string) (domain.StageExecution, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.run.Stage(name)
	if s == nil {
		return domain.StageExecution{}, false
	}
	return *s, true
}

// update applies fn to the named stage record and persists the result with
// the current identity snapshot.
func (x *execution) update(ctx context.Context, name string, fn func(s *domain.StageExecution)) error {
	x.mu.Lock()
	s := x.run.Stage(name)
	if s == nil {
		x.mu.Unlock()
		return fmt.Errorf("run %s has no %s stage", x.run.ID, name)
	}
	fn(s)
	record := *s
	x.mu.Unlock()

	snapshot, err := x.ids.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode identity snapshot: %w", err)
	}
	if err := x.engine.state.SaveCheckpoint(ctx, x.run.ID, record, snapshot); err != nil {
		return domainerrors.Transient(err, "save checkpoint")
	}
	return nil
}

func (x *execution) completed(name string) bool {
	s, ok := x.stage(name)
	return ok && s.State == domain.StageCompleted
}

// truncate empties the target store and drops the identity entries pointing
// into it. A truncate already completed by an earlier attempt is not repeated.
func (x *execution) truncate(ctx context.Context) error {
	s, ok := x.stage(domain.StageTruncate)
	if !ok || s.State == domain.StageCompleted {
		return nil
	}

	target := x.run.Pipeline.Target()
	if err := x.update(ctx, domain.StageTruncate, markRunning); err != nil {
		return err
	}

	if err := x.engine.truncateTarget(ctx, target); err != nil {
		err = domainerrors.Precondition("truncate target store").WithCause(err)
		_ = x.update(context.WithoutCancel(ctx), domain.StageTruncate, markFailed(err))
		return err
	}
	x.ids.ClearSide(target)

	x.log.Info("target store truncated", "side", target)
	return x.update(ctx, domain.StageTruncate, func(s *domain.StageExecution) {
		s.State = domain.StageCompleted
		s.EndedAt = now()
	})
}

// runStage runs st chunk by chunk until its reader is exhausted, a chunk
// fails, or a stop is requested.
func (x *execution) runStage(ctx context.Context, st Stage) error {
	name := st.Name()
	log := x.log.ForStage(name)

	rec, _ := x.stage(name)
	if rec.State == domain.StageCompleted {
		log.Info("stage already completed, skipping")
		return nil
	}

	st.Seek(rec.Position)
	if err := x.update(ctx, name, markRunning); err != nil {
		return err
	}
	log.Info("stage started", "page", rec.Position.Page, "offset", rec.Position.Offset)

	throttleKey := x.run.ID + "/" + name
	if x.engine.throttle != nil {
		defer x.engine.throttle.Forget(throttleKey)
	}

	opts := x.engine.opts
	skipped := rec.SkipCount
	markStopped := func() error {
		log.Info("stage stopped at chunk boundary")
		return x.update(context.WithoutCancel(ctx), name, func(s *domain.StageExecution) {
			s.State = domain.StageStopped
			s.EndedAt = now()
		})
	}

	for {
		if x.stop() || ctx.Err() != nil {
			return markStopped()
		}
		if x.engine.throttle != nil {
			if err := x.engine.throttle.Wait(ctx, throttleKey); err != nil {
				return markStopped()
			}
		}

		res, err := st.RunChunk(ctx, opts.ChunkSize, opts.SkipLimit-skipped)
		for _, skip := range res.Skips {
			log.Warn("record skipped",
				logger.KeyEntity, skip.Entity,
				logger.KeyKey, skip.Key,
				logger.KeySourceID, skip.SourceID,
				logger.KeyError, skip.Err,
			)
		}
		if err != nil {
			log.WithError(err).Error("stage failed", "skipped", skipped+len(res.Skips))
			_ = x.update(context.WithoutCancel(ctx), name, markFailed(err))
			return err
		}

		skipped += len(res.Skips)
		err = x.update(ctx, name, func(s *domain.StageExecution) {
			s.ReadCount += res.Read
			s.WriteCount += res.Written
			s.SkipCount += len(res.Skips)
			s.Position = res.Position
			if res.Done {
				s.State = domain.StageCompleted
				s.EndedAt = now()
			}
		})
		if err != nil {
			log.WithError(err).Error("checkpoint failed")
			_ = x.update(context.WithoutCancel(ctx), name, markFailed(err))
			return err
		}

		log.Debug("chunk committed", "read", res.Read, "written", res.Written, "skipped", len(res.Skips))
		if res.Done {
			done, _ := x.stage(name)
			log.Info("stage completed",
				"read", done.ReadCount,
				"written", done.WriteCount,
				"skipped", done.SkipCount,
			)
			return nil
		}
	}
}

// finish derives the run status from the stage states, persists it and
// returns Execute's result.
func (x *execution) finish(ctx context.Context, err error) error {
	x.mu.Lock()
	status := domain.RunCompleted
	stopped := false
	for _, s := range x.run.Stages {
		switch s.State {
		case domain.StageFailed:
			status = domain.RunFailed
		case domain.StageStopped:
			stopped = true
		case domain.StageCompleted:
		default:
			if status != domain.RunFailed {
				status = domain.RunStopped
			}
		}
	}
	if err != nil {
		status = domain.RunFailed
	} else if stopped && status != domain.RunFailed {
		status = domain.RunStopped
	}

	x.run.Status = status
	x.run.EndedAt = now()
	if err != nil {
		x.run.Error = err.Error()
	}
	snapshot := x.run.Clone()
	x.mu.Unlock()

	if saveErr := x.engine.state.UpdateRun(context.WithoutCancel(ctx), snapshot); saveErr != nil {
		x.log.WithError(saveErr).Error("failed to persist run status")
	}

	read, written, skipped := snapshot.Totals()
	x.log.Info("pipeline finished",
		"status", status,
		"read", read,
		"written", written,
		"skipped", skipped,
	)

	switch status {
	case domain.RunCompleted:
		return nil
	case domain.RunStopped:
		return ErrRunStopped
	}
	if err == nil {
		err = errors.New("pipeline did not complete")
	}
	return err
}

func markRunning(s *domain.StageExecution) {
	s.State = domain.StageRunning
	if s.StartedAt == nil {
		s.StartedAt = now()
	}
	s.EndedAt = nil
	s.Error = ""
}

func markFailed(err error) func(s *domain.StageExecution) {
	return func(s *domain.StageExecution) {
		s.State = domain.StageFailed
		s.EndedAt = now()
		s.Error = err.Error()
	}
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

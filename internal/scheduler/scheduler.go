// Package scheduler starts incremental pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/listenupapp/bookbridge/internal/domain"
)

// Runner is the part of the run control surface the scheduler drives.
type Runner interface {
	Active(pipeline domain.Pipeline) bool
	LastCompletedRun(ctx context.Context, pipeline domain.Pipeline) (*domain.Run, error)
	Start(ctx context.Context, pipeline string, params domain.Params) (string, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler periodically starts a run of one pipeline, filtered to comments
// created since the last completed run of that pipeline started.
type Scheduler struct {
	runner   Runner
	pipeline domain.Pipeline
	spec     string
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates the schedule and returns a stopped scheduler.
func New(runner Runner, pipeline domain.Pipeline, spec string, logger *slog.Logger) (*Scheduler, error) {
	if !pipeline.Valid() {
		return nil, fmt.Errorf("invalid pipeline %q", pipeline)
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		pipeline: pipeline,
		spec:     spec,
		logger:   logger.With("component", "scheduler", "pipeline", string(pipeline)),
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// Start registers the job and starts the cron loop. Calling Start on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	entryID, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunNow(s.ctx); err != nil {
			s.logger.Error("scheduled run failed to start", "error", err)
		}
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule run: %w", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started", "schedule", s.spec, "next_run", s.nextLocked())
	return nil
}

// Stop stops the cron loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.cancel()
	s.running = false

	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the next tick fires, or nil when stopped.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	next := s.nextLocked()
	return &next
}

// nextLocked falls back to the schedule while the cron loop has not yet
// filled in Entry.Next.
func (s *Scheduler) nextLocked() time.Time {
	entry := s.cron.Entry(s.entryID)
	if !entry.Next.IsZero() {
		return entry.Next
	}
	return entry.Schedule.Next(time.Now())
}

// RunNow performs one tick: it starts an incremental run unless one of the
// pipeline is already active. It returns the started run id, or "" when the
// tick was skipped.
func (s *Scheduler) RunNow(ctx context.Context) (string, error) {
	if s.runner.Active(s.pipeline) {
		s.logger.Info("scheduled run skipped, pipeline already running")
		return "", nil
	}

	params := domain.Params{}
	last, err := s.runner.LastCompletedRun(ctx, s.pipeline)
	if err != nil {
		return "", fmt.Errorf("load last completed run: %w", err)
	}
	if last != nil {
		since := last.StartedAt
		params.Since = &since
	}

	runID, err := s.runner.Start(ctx, string(s.pipeline), params)
	if err != nil {
		return "", err
	}

	if params.Since != nil {
		s.logger.Info("scheduled incremental run started", "run_id", runID, "since", params.Since.Format(time.RFC3339))
	} else {
		s.logger.Info("scheduled full run started", "run_id", runID)
	}
	return runID, nil
}

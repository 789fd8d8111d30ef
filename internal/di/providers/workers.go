package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/domain"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/scheduler"
)

// SchedulerHandle wraps the incremental run scheduler with shutdown
// capability. Scheduler is nil when no schedule is configured.
type SchedulerHandle struct {
	*scheduler.Scheduler
}

// Shutdown implements do.Shutdownable.
func (h *SchedulerHandle) Shutdown() error {
	if h.Scheduler != nil {
		h.Stop()
	}
	return nil
}

// ProvideScheduler provides the cron scheduler for incremental runs.
func ProvideScheduler(i do.Injector) (*SchedulerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Schedule.Spec == "" {
		log.Info("Scheduler disabled, no schedule configured")
		return &SchedulerHandle{}, nil
	}

	controlHandle := do.MustInvoke[*ControlServiceHandle](i)

	sched, err := scheduler.New(controlHandle.Service, domain.Pipeline(cfg.Schedule.Pipeline), cfg.Schedule.Spec, log.Logger)
	if err != nil {
		return nil, err
	}
	if err := sched.Start(context.Background()); err != nil {
		return nil, err
	}

	return &SchedulerHandle{Scheduler: sched}, nil
}

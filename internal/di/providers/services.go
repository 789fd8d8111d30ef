package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/control"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/migrate"
	"github.com/listenupapp/bookbridge/internal/validation"
)

// ProvideValidator provides the request validator.
func ProvideValidator(i do.Injector) (*validation.Validator, error) {
	return validation.New(), nil
}

// ProvideEngine provides the migration engine configured from MigrationConfig.
func ProvideEngine(i do.Injector) (*migrate.Engine, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	document := do.MustInvoke[*DocumentStoreHandle](i)
	relational := do.MustInvoke[*RelationalStoreHandle](i)
	runs := do.MustInvoke[*RunStoreHandle](i)

	opts := migrate.Options{
		ChunkSize:   cfg.Migration.ChunkSize,
		PageSize:    cfg.Migration.PageSize,
		SkipLimit:   cfg.Migration.SkipLimit,
		Concurrency: cfg.Migration.Concurrency,
		ChunkRate:   cfg.Migration.ChunkRate,
	}

	log.Info("Migration engine configured",
		"chunk_size", opts.ChunkSize,
		"page_size", opts.PageSize,
		"skip_limit", opts.SkipLimit,
		"concurrency", opts.Concurrency,
		"chunk_rate", opts.ChunkRate,
	)

	return migrate.NewEngine(document.Store, relational.Store, runs.Store, opts, log), nil
}

// ControlServiceHandle wraps the run control service with shutdown capability.
type ControlServiceHandle struct {
	*control.Service
}

// Shutdown implements do.Shutdownable. Active runs stop at their next chunk
// boundary so a restart resumes them.
func (h *ControlServiceHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Service.Shutdown(ctx)
}

// ProvideControlService provides the run control service.
func ProvideControlService(i do.Injector) (*ControlServiceHandle, error) {
	engine := do.MustInvoke[*migrate.Engine](i)
	runs := do.MustInvoke[*RunStoreHandle](i)
	v := do.MustInvoke[*validation.Validator](i)
	log := do.MustInvoke[*logger.Logger](i)

	return &ControlServiceHandle{Service: control.NewService(engine, runs.Store, v, log)}, nil
}

// Package di provides dependency injection configuration for bookbridge.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/di/providers"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/migrate"
	"github.com/listenupapp/bookbridge/internal/validation"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideValidator)

	// Database layer
	do.Provide(injector, providers.ProvideDocumentStore)
	do.Provide(injector, providers.ProvideRelationalStore)
	do.Provide(injector, providers.ProvideRunStore)

	// Migration
	do.Provide(injector, providers.ProvideEngine)
	do.Provide(injector, providers.ProvideControlService)

	// Workers
	do.Provide(injector, providers.ProvideScheduler)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// BootstrapCore opens the stores and builds the run control service. It is
// all a one-shot run needs.
func BootstrapCore(injector *do.RootScope) (*providers.ControlServiceHandle, error) {
	if _, err := do.Invoke[*config.Config](injector); err != nil {
		return nil, err
	}
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*validation.Validator](injector)

	if _, err := do.Invoke[*providers.DocumentStoreHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*providers.RelationalStoreHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*providers.RunStoreHandle](injector); err != nil {
		return nil, err
	}
	_ = do.MustInvoke[*migrate.Engine](injector)

	return do.Invoke[*providers.ControlServiceHandle](injector)
}

// Bootstrap initializes all services for server mode: the core, the
// scheduler and the HTTP control API.
func Bootstrap(injector *do.RootScope) error {
	if _, err := BootstrapCore(injector); err != nil {
		return err
	}

	if _, err := do.Invoke[*providers.SchedulerHandle](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}

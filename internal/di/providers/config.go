// Package providers contains dependency injection providers for bookbridge.
package providers

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/logger"
)

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig()
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
	})

	log.Info("Starting BookBridge",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"document_db", cfg.Storage.DocumentDBPath,
		"relational_db", cfg.Storage.RelationalDBPath,
		"runs_db", cfg.Storage.RunsDBPath,
	)

	return log, nil
}

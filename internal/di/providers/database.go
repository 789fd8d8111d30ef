package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/runstore"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

// DocumentStoreHandle wraps the document store with shutdown capability.
type DocumentStoreHandle struct {
	*store.Store
}

// Shutdown implements do.Shutdownable.
func (h *DocumentStoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideDocumentStore provides the badger document store.
func ProvideDocumentStore(i do.Injector) (*DocumentStoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	db, err := store.New(cfg.Storage.DocumentDBPath, log.Logger)
	if err != nil {
		return nil, err
	}

	log.Info("Document store opened", "path", cfg.Storage.DocumentDBPath)
	return &DocumentStoreHandle{Store: db}, nil
}

// RelationalStoreHandle wraps the relational store with shutdown capability.
type RelationalStoreHandle struct {
	*sqlite.Store
}

// Shutdown implements do.Shutdownable.
func (h *RelationalStoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideRelationalStore provides the SQLite relational store.
func ProvideRelationalStore(i do.Injector) (*RelationalStoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	db, err := sqlite.Open(cfg.Storage.RelationalDBPath, log.Logger)
	if err != nil {
		return nil, err
	}

	log.Info("Relational store opened", "path", cfg.Storage.RelationalDBPath)
	return &RelationalStoreHandle{Store: db}, nil
}

// RunStoreHandle wraps the run state database with shutdown capability.
type RunStoreHandle struct {
	*runstore.Store
}

// Shutdown implements do.Shutdownable.
func (h *RunStoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideRunStore provides the run state database. Runs left RUNNING by a
// previous process are marked FAILED so they can be restarted.
func ProvideRunStore(i do.Injector) (*RunStoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	db, err := runstore.Open(cfg.Storage.RunsDBPath, log.Logger)
	if err != nil {
		return nil, err
	}

	if _, err := db.MarkInterrupted(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("Run store opened", "path", cfg.Storage.RunsDBPath)
	return &RunStoreHandle{Store: db}, nil
}

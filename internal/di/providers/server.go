package providers

import (
	"context"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/api"
	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/logger"
)

// HTTPServerHandle wraps http.Server with Shutdownable.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP control API server.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	controlHandle := do.MustInvoke[*ControlServiceHandle](i)
	document := do.MustInvoke[*DocumentStoreHandle](i)
	relational := do.MustInvoke[*RelationalStoreHandle](i)
	runs := do.MustInvoke[*RunStoreHandle](i)

	handler := api.NewServer(controlHandle.Service, api.Stores{
		Document:   document.Store,
		Relational: relational.Store,
		Runs:       runs.Store,
	}, log.Logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in background
	go func() {
		log.Info("HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv}, nil
}

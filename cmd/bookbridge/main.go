// Package main provides the entry point for bookbridge.
//
// Without -run it serves the HTTP control API and the optional incremental
// scheduler until interrupted. With -run it performs one run of the named
// pipeline and exits non-zero unless the run completed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/listenupapp/bookbridge/internal/di"
	"github.com/listenupapp/bookbridge/internal/di/providers"
	"github.com/listenupapp/bookbridge/internal/domain"
	"github.com/listenupapp/bookbridge/internal/logger"
)

// Parsed together with the configuration flags by the config provider.
var (
	runPipeline = flag.String("run", "", "Run this pipeline once and exit (document-to-relational, relational-to-document)")
	truncate    = flag.Bool("truncate", false, "With -run: clear the target store first")
	since       = flag.String("since", "", "With -run: only migrate comments created at or after this RFC3339 time")
	seedValue   = flag.String("seed", "", "With -run: idempotency seed")
)

func main() {
	injector := di.NewContainer()

	controlHandle, err := di.BootstrapCore(injector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	log := do.MustInvoke[*logger.Logger](injector)

	if *runPipeline != "" {
		code := runOnce(controlHandle, log)
		shutdown(injector, log)
		os.Exit(code)
	}

	if err := di.Bootstrap(injector); err != nil {
		log.Error("Failed to start server", "error", err)
		shutdown(injector, log)
		os.Exit(1)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gracefully...")
	shutdown(injector, log)
}

// runOnce starts one run, stops it at a chunk boundary on SIGINT/SIGTERM,
// and returns the process exit code.
func runOnce(controlHandle *providers.ControlServiceHandle, log *logger.Logger) int {
	params := domain.Params{TruncateBeforeLoad: *truncate, Seed: *seedValue}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			log.Error("Invalid -since value", "value", *since, "error", err)
			return 2
		}
		params.Since = &t
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, err := controlHandle.Start(ctx, *runPipeline, params)
	if err != nil {
		log.Error("Failed to start run", "pipeline", *runPipeline, "error", err)
		return 1
	}
	log.Info("Run started", "run_id", runID, "pipeline", *runPipeline)

	go func() {
		<-ctx.Done()
		if controlHandle.Stop(runID) {
			log.Info("Stop requested, finishing current chunk", "run_id", runID)
		}
	}()

	run, err := controlHandle.Wait(context.Background(), runID)
	if err != nil {
		log.Error("Failed to load run result", "run_id", runID, "error", err)
		return 1
	}

	for _, st := range run.Stages {
		log.Info("Stage finished",
			"stage", st.Stage,
			"state", st.State,
			"read", st.ReadCount,
			"written", st.WriteCount,
			"skipped", st.SkipCount,
		)
	}

	if run.Status != domain.RunCompleted {
		log.Error("Run did not complete", "run_id", runID, "status", run.Status, "error", run.Error)
		return 1
	}
	log.Info("Run completed", "run_id", runID)
	return 0
}

func shutdown(injector *do.RootScope, log *logger.Logger) {
	// The DI container shuts services down in reverse dependency order:
	// server and scheduler, then active runs, then the stores.
	if err := injector.Shutdown(); err != nil {
		log.Error("Shutdown error", "error", err)
	}
	log.Info("Goodbye")
}

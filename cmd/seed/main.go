// Package main seeds the document store with a library to migrate.
//
// Usage:
//
//	go run ./cmd/seed                                  # reference dataset
//	go run ./cmd/seed --synthetic 500 --books-per-author 4
//	go run ./cmd/seed --replace                        # clear the store first
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/listenupapp/bookbridge/internal/config"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/seed"
	"github.com/listenupapp/bookbridge/internal/store"
)

var (
	synthetic       = flag.Int("synthetic", 0, "Generate this many authors instead of the reference dataset")
	booksPerAuthor  = flag.Int("books-per-author", 3, "Books per generated author")
	commentsPerBook = flag.Int("comments-per-book", 5, "Maximum comments per generated book")
	rngSeed         = flag.Int64("rng-seed", 0, "Seed for the generator (default: current time)")
	replace         = flag.Bool("replace", false, "Truncate the document store before seeding")
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		Environment: cfg.App.Environment,
	})

	if err := run(cfg, log); err != nil {
		log.Error("Seeding failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	s, err := store.New(cfg.Storage.DocumentDBPath, log.Logger)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer s.Close()

	existing, err := s.Counts(ctx)
	if err != nil {
		return err
	}
	if existing != (store.Counts{}) {
		if !*replace {
			return fmt.Errorf("document store at %s is not empty (use --replace)", cfg.Storage.DocumentDBPath)
		}
		if err := s.Truncate(ctx); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		log.Info("Document store truncated", "path", cfg.Storage.DocumentDBPath)
	}

	dataset := seed.Reference()
	if *synthetic > 0 {
		n := *rngSeed
		if n == 0 {
			n = time.Now().UnixNano()
		}
		dataset = seed.Synthetic(rand.New(rand.NewSource(n)), *synthetic, *booksPerAuthor, *commentsPerBook)
		log.Info("Generated synthetic library", "authors", *synthetic, "rng_seed", n)
	}

	start := time.Now()
	counts, err := seed.Load(ctx, s, dataset)
	if err != nil {
		return err
	}

	log.Info("Document store seeded",
		"path", cfg.Storage.DocumentDBPath,
		"authors", counts.Authors,
		"genres", counts.Genres,
		"books", counts.Books,
		"comments", counts.Comments,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

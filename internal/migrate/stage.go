package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
)

// ErrSkipLimitExceeded fails a stage whose skipped records exceed the limit.
var ErrSkipLimitExceeded = errors.New("skip limit exceeded")

// Skip is one record excluded from a chunk.
type Skip struct {
	Entity   domain.Entity
	Key      string
	SourceID string
	Err      error
}

// ChunkResult reports what one chunk did. Position is the reader cursor after
// the chunk; Done means the reader is exhausted.
type ChunkResult struct {
	Read     int
	Written  int
	Skips    []Skip
	Position domain.Position
	Done     bool
}

// Stage migrates one entity type chunk by chunk.
type Stage interface {
	Name() string
	Entity() domain.Entity
	// Seek positions the reader before the first chunk.
	Seek(pos domain.Position)
	// RunChunk reads up to size records, transforms and writes them in one
	// transaction, and registers the resulting mappings once committed. When
	// more than skipBudget records are skipped nothing is committed and the
	// error wraps ErrSkipLimitExceeded.
	RunChunk(ctx context.Context, size, skipBudget int) (ChunkResult, error)
}

// chunkStage is the single Stage implementation; one instance per entity and
// direction.
type chunkStage[S, T any] struct {
	name     string
	entity   domain.Entity
	reader   Reader[S]
	process  ProcessFunc[S, T]
	writer   Writer[T]
	describe func(S) (key, sourceID string)
	ids      *identity.Store
}

func (s *chunkStage[S, T]) Name() string { return s.name }

func (s *chunkStage[S, T]) Entity() domain.Entity { return s.entity }

func (s *chunkStage[S, T]) Seek(pos domain.Position) { s.reader.Seek(pos) }

func (s *chunkStage[S, T]) RunChunk(ctx context.Context, size, skipBudget int) (ChunkResult, error) {
	var res ChunkResult
	sources := make([]S, 0, size)
	targets := make([]T, 0, size)

	for res.Read < size {
		item, err := s.reader.Read(ctx)
		if errors.Is(err, io.EOF) {
			res.Done = true
			break
		}
		if err != nil {
			return res, domainerrors.Transient(err, "read "+s.name)
		}
		res.Read++

		out, err := s.process(ctx, item)
		if err != nil {
			if !domainerrors.Skippable(err) {
				return res, err
			}
			res.Skips = append(res.Skips, s.skip(item, err))
			continue
		}
		sources = append(sources, item)
		targets = append(targets, out)
	}

	if len(res.Skips) > skipBudget {
		return res, s.overBudget(len(res.Skips), skipBudget)
	}

	if len(targets) > 0 {
		batch, err := s.writer.Write(ctx, targets)
		if err != nil {
			return res, err
		}
		for _, failed := range batch.Failed {
			res.Skips = append(res.Skips, s.skip(sources[failed.Index], failed.Err))
		}
		if len(res.Skips) > skipBudget {
			batch.Discard()
			return res, s.overBudget(len(res.Skips), skipBudget)
		}
		if err := batch.Commit(); err != nil {
			return res, domainerrors.Transient(err, "commit "+s.name)
		}
		res.Written = batch.Written

		if err := s.ids.RememberAll(batch.Mappings()); err != nil {
			return res, err
		}
	}

	res.Position = s.reader.Position()
	return res, nil
}

func (s *chunkStage[S, T]) skip(item S, err error) Skip {
	key, sourceID := s.describe(item)
	return Skip{Entity: s.entity, Key: key, SourceID: sourceID, Err: err}
}

func (s *chunkStage[S, T]) overBudget(skipped, budget int) error {
	return fmt.Errorf("%s: %d skipped records with %d remaining: %w", s.name, skipped, max(budget, 0), ErrSkipLimitExceeded)
}

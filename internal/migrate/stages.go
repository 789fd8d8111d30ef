package migrate

import (
	"context"
	"time"

	"github.com/listenupapp/bookbridge/internal/domain"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/normalize"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

// buildStages wires reader, processor and writer for each entity of the
// pipeline, keyed by stage name.
func (e *Engine) buildStages(pipeline domain.Pipeline, params domain.Params, ids *identity.Store) map[string]Stage {
	if pipeline == domain.PipelineRelationalToDocument {
		return e.toDocumentStages(params.Since, ids)
	}
	return e.toRelationalStages(params.Since, ids)
}

func (e *Engine) toRelationalStages(since *time.Time, ids *identity.Store) map[string]Stage {
	src, dst := e.document, e.relational
	proc := &toRelational{source: src, ids: ids}
	pageSize := e.opts.PageSize

	commentIDs := func(ctx context.Context, offset, limit int) ([]string, error) {
		return src.CommentIDs(ctx, since, offset, limit)
	}

	return map[string]Stage{
		domain.StageAuthors: &chunkStage[*store.Author, *sqlite.Author]{
			name:    domain.StageAuthors,
			entity:  domain.EntityAuthor,
			reader:  NewPagedReader[*store.Author](src.PageAuthors, pageSize),
			process: proc.author,
			writer:  relationalWriter[*sqlite.Author](dst, upsertRelationalAuthor),
			describe: func(a *store.Author) (string, string) {
				return a.NameKey(), a.ID
			},
			ids: ids,
		},
		domain.StageGenres: &chunkStage[*store.Genre, *sqlite.Genre]{
			name:    domain.StageGenres,
			entity:  domain.EntityGenre,
			reader:  NewPagedReader[*store.Genre](src.PageGenres, pageSize),
			process: proc.genre,
			writer:  relationalWriter[*sqlite.Genre](dst, upsertRelationalGenre),
			describe: func(g *store.Genre) (string, string) {
				return g.NameKey(), g.ID
			},
			ids: ids,
		},
		domain.StageBooks: &chunkStage[*store.Book, *sqlite.Book]{
			name:    domain.StageBooks,
			entity:  domain.EntityBook,
			reader:  NewPagedReader[*store.Book](src.PageBooks, pageSize),
			process: proc.book,
			writer:  relationalWriter[*sqlite.Book](dst, upsertRelationalBook),
			describe: func(b *store.Book) (string, string) {
				return b.NaturalKey, b.ID
			},
			ids: ids,
		},
		domain.StageComments: &chunkStage[*store.Comment, *sqlite.Comment]{
			name:   domain.StageComments,
			entity: domain.EntityComment,
			reader: NewTwoPhaseReader[string, *store.Comment](
				commentIDs,
				src.CommentsByIDs,
				func(c *store.Comment) string { return c.ID },
				pageSize,
			),
			process: proc.comment,
			writer:  relationalWriter[*sqlite.Comment](dst, upsertRelationalComment),
			describe: func(c *store.Comment) (string, string) {
				return normalize.CommentKey(c.BookID, c.CreatedAt, c.Text), c.ID
			},
			ids: ids,
		},
	}
}

func (e *Engine) toDocumentStages(since *time.Time, ids *identity.Store) map[string]Stage {
	src, dst := e.relational, e.document
	proc := &toDocument{source: src, ids: ids}
	pageSize := e.opts.PageSize

	commentIDs := func(ctx context.Context, offset, limit int) ([]int64, error) {
		return src.CommentIDs(ctx, since, offset, limit)
	}

	return map[string]Stage{
		domain.StageAuthors: &chunkStage[*sqlite.Author, *store.Author]{
			name:    domain.StageAuthors,
			entity:  domain.EntityAuthor,
			reader:  NewPagedReader[*sqlite.Author](src.PageAuthors, pageSize),
			process: proc.author,
			writer:  documentWriter[*store.Author](dst, upsertDocumentAuthor),
			describe: func(a *sqlite.Author) (string, string) {
				return a.NameKey(), sqlite.FormatID(a.ID)
			},
			ids: ids,
		},
		domain.StageGenres: &chunkStage[*sqlite.Genre, *store.Genre]{
			name:    domain.StageGenres,
			entity:  domain.EntityGenre,
			reader:  NewPagedReader[*sqlite.Genre](src.PageGenres, pageSize),
			process: proc.genre,
			writer:  documentWriter[*store.Genre](dst, upsertDocumentGenre),
			describe: func(g *sqlite.Genre) (string, string) {
				return g.NameKey(), sqlite.FormatID(g.ID)
			},
			ids: ids,
		},
		domain.StageBooks: &chunkStage[*sqlite.Book, *store.Book]{
			name:    domain.StageBooks,
			entity:  domain.EntityBook,
			reader:  NewPagedReader[*sqlite.Book](src.PageBooks, pageSize),
			process: proc.book,
			writer:  documentWriter[*store.Book](dst, upsertDocumentBook),
			describe: func(b *sqlite.Book) (string, string) {
				return b.BookKey, sqlite.FormatID(b.ID)
			},
			ids: ids,
		},
		domain.StageComments: &chunkStage[*sqlite.Comment, *store.Comment]{
			name:   domain.StageComments,
			entity: domain.EntityComment,
			reader: NewTwoPhaseReader[int64, *sqlite.Comment](
				commentIDs,
				src.CommentsByIDs,
				func(c *sqlite.Comment) int64 { return c.ID },
				pageSize,
			),
			process: proc.comment,
			writer:  documentWriter[*store.Comment](dst, upsertDocumentComment),
			describe: func(c *sqlite.Comment) (string, string) {
				return normalize.CommentKey(c.BookKey, c.CreatedAt, c.Text), sqlite.FormatID(c.ID)
			},
			ids: ids,
		},
	}
}

package migrate

import (
	"context"
	"errors"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

// Writer upserts a chunk of target records inside one store transaction and
// hands back the uncommitted batch.
type Writer[T any] interface {
	Write(ctx context.Context, items []T) (*Batch, error)
}

// ItemError is a per-item write failure that was rolled back without
// aborting the chunk.
type ItemError struct {
	Index int
	Err   error
}

// Batch is a written but uncommitted chunk. Mappings become valid only once
// Commit succeeds.
type Batch struct {
	Written int
	Failed  []ItemError

	mappings []identity.Mapping
	commit   func() error
	discard  func()
}

// Commit commits the chunk transaction.
func (b *Batch) Commit() error {
	if err := b.commit(); err != nil {
		b.discard()
		return err
	}
	return nil
}

// Discard rolls the chunk back.
func (b *Batch) Discard() {
	b.discard()
}

// Mappings returns the natural key to id associations produced by the chunk.
func (b *Batch) Mappings() []identity.Mapping {
	return b.mappings
}

type transaction interface {
	Commit() error
	Discard()
}

// upsertFunc finds the target record by natural key, then updates it or
// creates it. It returns the mapping to register, or nil for comments.
type upsertFunc[X transaction, T any] func(tx X, item T) (*identity.Mapping, error)

// txWriter runs every upsert of a chunk through one transaction. item wraps
// each upsert so a rejected record leaves no partial writes behind.
type txWriter[X transaction, T any] struct {
	begin  func(ctx context.Context) (X, error)
	item   func(tx X, fn func() error) error
	upsert upsertFunc[X, T]
}

func (w *txWriter[X, T]) Write(ctx context.Context, items []T) (*Batch, error) {
	tx, err := w.begin(ctx)
	if err != nil {
		return nil, domainerrors.Transient(err, "begin chunk transaction")
	}

	b := &Batch{commit: tx.Commit, discard: tx.Discard}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			tx.Discard()
			return nil, err
		}

		var mapping *identity.Mapping
		err := w.item(tx, func() error {
			var err error
			mapping, err = w.upsert(tx, item)
			return err
		})
		if err != nil {
			if isConstraint(err) {
				b.Failed = append(b.Failed, ItemError{
					Index: i,
					Err:   domainerrors.Wrap(err, domainerrors.CodeConstraintViolation, "write rejected"),
				})
				continue
			}
			tx.Discard()
			return nil, domainerrors.Transient(err, "write chunk")
		}

		b.Written++
		if mapping != nil {
			b.mappings = append(b.mappings, *mapping)
		}
	}
	return b, nil
}

func isConstraint(err error) bool {
	return errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrConstraint)
}

func relationalWriter[T any](s *sqlite.Store, upsert upsertFunc[*sqlite.Tx, T]) Writer[T] {
	return &txWriter[*sqlite.Tx, T]{
		begin:  s.Begin,
		item:   (*sqlite.Tx).Item,
		upsert: upsert,
	}
}

func documentWriter[T any](s *store.Store, upsert upsertFunc[*store.Tx, T]) Writer[T] {
	return &txWriter[*store.Tx, T]{
		begin:  s.Begin,
		item:   func(_ *store.Tx, fn func() error) error { return fn() },
		upsert: upsert,
	}
}

// Relational upserts.

func upsertRelationalAuthor(tx *sqlite.Tx, a *sqlite.Author) (*identity.Mapping, error) {
	key := a.NameKey()
	existing, err := tx.FindAuthorByName(key)
	switch {
	case err == nil:
		existing.FullName = a.FullName
		existing.Version = a.Version
		if err := tx.UpdateAuthor(existing); err != nil {
			return nil, err
		}
		a.ID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		if err := tx.InsertAuthor(a); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return relationalMapping(domain.EntityAuthor, key, a.ID), nil
}

func upsertRelationalGenre(tx *sqlite.Tx, g *sqlite.Genre) (*identity.Mapping, error) {
	key := g.NameKey()
	existing, err := tx.FindGenreByName(key)
	switch {
	case err == nil:
		existing.Name = g.Name
		existing.Version = g.Version
		if err := tx.UpdateGenre(existing); err != nil {
			return nil, err
		}
		g.ID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		if err := tx.InsertGenre(g); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return relationalMapping(domain.EntityGenre, key, g.ID), nil
}

func upsertRelationalBook(tx *sqlite.Tx, b *sqlite.Book) (*identity.Mapping, error) {
	existing, err := tx.FindBookByKey(b.BookKey)
	switch {
	case err == nil:
		existing.Title = b.Title
		existing.AuthorID = b.AuthorID
		existing.GenreIDs = b.GenreIDs
		existing.Version = b.Version
		if err := tx.UpdateBook(existing); err != nil {
			return nil, err
		}
		b.ID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		if err := tx.InsertBook(b); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return relationalMapping(domain.EntityBook, b.BookKey, b.ID), nil
}

func upsertRelationalComment(tx *sqlite.Tx, c *sqlite.Comment) (*identity.Mapping, error) {
	existing, err := tx.FindComment(c.BookID, c.CreatedAt, c.Text)
	switch {
	case err == nil:
		existing.Text = c.Text
		existing.Version = c.Version
		return nil, tx.UpdateComment(existing)
	case errors.Is(err, store.ErrNotFound):
		return nil, tx.InsertComment(c)
	default:
		return nil, err
	}
}

func relationalMapping(entity domain.Entity, key string, rowID int64) *identity.Mapping {
	return &identity.Mapping{Entity: entity, Side: domain.SideRelational, Key: key, ID: sqlite.FormatID(rowID)}
}

// Document upserts.

func upsertDocumentAuthor(tx *store.Tx, a *store.Author) (*identity.Mapping, error) {
	key := a.NameKey()
	existing, err := tx.FindAuthorByName(key)
	switch {
	case err == nil:
		existing.FullName = a.FullName
		existing.Version = a.Version
		a = existing
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if err := tx.SaveAuthor(a); err != nil {
		return nil, err
	}
	return documentMapping(domain.EntityAuthor, key, a.ID), nil
}

func upsertDocumentGenre(tx *store.Tx, g *store.Genre) (*identity.Mapping, error) {
	key := g.NameKey()
	existing, err := tx.FindGenreByName(key)
	switch {
	case err == nil:
		existing.Name = g.Name
		existing.Version = g.Version
		g = existing
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if err := tx.SaveGenre(g); err != nil {
		return nil, err
	}
	return documentMapping(domain.EntityGenre, key, g.ID), nil
}

func upsertDocumentBook(tx *store.Tx, b *store.Book) (*identity.Mapping, error) {
	key := b.NaturalKey
	existing, err := tx.FindBookByKey(key)
	switch {
	case err == nil:
		existing.Title = b.Title
		existing.AuthorID = b.AuthorID
		existing.GenreIDs = b.GenreIDs
		existing.Version = b.Version
		b = existing
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if err := tx.SaveBook(b); err != nil {
		return nil, err
	}
	return documentMapping(domain.EntityBook, key, b.ID), nil
}

func upsertDocumentComment(tx *store.Tx, c *store.Comment) (*identity.Mapping, error) {
	existing, err := tx.FindComment(c.BookID, c.CreatedAt, c.Text)
	switch {
	case err == nil:
		existing.Text = c.Text
		existing.Version = c.Version
		c = existing
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return nil, tx.SaveComment(c)
}

func documentMapping(entity domain.Entity, key, docID string) *identity.Mapping {
	return &identity.Mapping{Entity: entity, Side: domain.SideDocument, Key: key, ID: docID}
}

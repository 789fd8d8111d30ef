package migrate

import (
	"context"
	"errors"
	"slices"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/normalize"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

// ProcessFunc converts one source record into a target-shaped record.
// Unresolvable references fail with a MISSING_MAPPING error.
type ProcessFunc[S, T any] func(ctx context.Context, item S) (T, error)

// toRelational holds the processors of the document-to-relational pipeline.
// Parent references are document ids, so the parent documents are looked up
// in the source store to recover their natural keys.
type toRelational struct {
	source *store.Store
	ids    *identity.Store
}

func (p *toRelational) author(_ context.Context, a *store.Author) (*sqlite.Author, error) {
	return &sqlite.Author{FullName: a.FullName, Version: a.Version}, nil
}

func (p *toRelational) genre(_ context.Context, g *store.Genre) (*sqlite.Genre, error) {
	return &sqlite.Genre{Name: g.Name, Version: g.Version}, nil
}

func (p *toRelational) book(ctx context.Context, b *store.Book) (*sqlite.Book, error) {
	author, err := p.source.GetAuthor(ctx, b.AuthorID)
	if err != nil {
		return nil, sourceLookupError(err, "author", b.AuthorID)
	}
	authorKey := author.NameKey()

	authorID, err := p.target(domain.EntityAuthor, authorKey)
	if err != nil {
		return nil, err
	}

	wanted := uniqueIDs(b.GenreIDs)
	genres, err := p.source.GetGenres(ctx, wanted)
	if err != nil {
		return nil, domainerrors.Transient(err, "look up source genres")
	}
	if len(genres) != len(wanted) {
		return nil, domainerrors.MissingMappingf("book %q references a genre missing from the source", b.Title)
	}

	genreIDs := make([]int64, 0, len(genres))
	for _, g := range genres {
		genreID, err := p.target(domain.EntityGenre, g.NameKey())
		if err != nil {
			return nil, err
		}
		genreIDs = append(genreIDs, genreID)
	}
	slices.Sort(genreIDs)

	return &sqlite.Book{
		Title:    b.Title,
		AuthorID: authorID,
		BookKey:  normalize.BookKey(authorKey, b.Title),
		GenreIDs: genreIDs,
		Version:  b.Version,
	}, nil
}

func (p *toRelational) comment(ctx context.Context, c *store.Comment) (*sqlite.Comment, error) {
	book, err := p.source.GetBook(ctx, c.BookID)
	if err != nil {
		return nil, sourceLookupError(err, "book", c.BookID)
	}

	bookID, err := p.target(domain.EntityBook, book.NaturalKey)
	if err != nil {
		return nil, err
	}

	return &sqlite.Comment{
		Text:      c.Text,
		CreatedAt: c.CreatedAt,
		BookID:    bookID,
		Version:   c.Version,
	}, nil
}

// target resolves a natural key to its relational row id.
func (p *toRelational) target(entity domain.Entity, key string) (int64, error) {
	mapped, ok := p.ids.FindID(entity, domain.SideRelational, key)
	if !ok {
		return 0, domainerrors.MissingMappingf("%s %q has not been migrated to the relational store", entity, key)
	}
	rowID, err := sqlite.ParseID(mapped)
	if err != nil {
		return 0, domainerrors.Internalf("identity map holds %s", err)
	}
	return rowID, nil
}

// toDocument holds the processors of the relational-to-document pipeline.
// Author names and book keys arrive joined on the source rows; genre names
// are looked up by id.
type toDocument struct {
	source *sqlite.Store
	ids    *identity.Store
}

func (p *toDocument) author(_ context.Context, a *sqlite.Author) (*store.Author, error) {
	return &store.Author{FullName: a.FullName, Version: a.Version}, nil
}

func (p *toDocument) genre(_ context.Context, g *sqlite.Genre) (*store.Genre, error) {
	return &store.Genre{Name: g.Name, Version: g.Version}, nil
}

func (p *toDocument) book(ctx context.Context, b *sqlite.Book) (*store.Book, error) {
	authorKey := normalize.Key(b.AuthorName)
	authorID, err := p.target(domain.EntityAuthor, authorKey)
	if err != nil {
		return nil, err
	}

	genres, err := p.source.GetGenres(ctx, b.GenreIDs)
	if err != nil {
		return nil, domainerrors.Transient(err, "look up source genres")
	}

	genreIDs := make([]string, 0, len(genres))
	for _, g := range genres {
		genreID, err := p.target(domain.EntityGenre, g.NameKey())
		if err != nil {
			return nil, err
		}
		genreIDs = append(genreIDs, genreID)
	}

	return &store.Book{
		Title:      b.Title,
		AuthorID:   authorID,
		GenreIDs:   genreIDs,
		NaturalKey: normalize.BookKey(authorKey, b.Title),
		Version:    b.Version,
	}, nil
}

func (p *toDocument) comment(_ context.Context, c *sqlite.Comment) (*store.Comment, error) {
	bookID, err := p.target(domain.EntityBook, c.BookKey)
	if err != nil {
		return nil, err
	}

	return &store.Comment{
		Text:      c.Text,
		CreatedAt: c.CreatedAt,
		BookID:    bookID,
		Version:   c.Version,
	}, nil
}

// target resolves a natural key to its document id.
func (p *toDocument) target(entity domain.Entity, key string) (string, error) {
	mapped, ok := p.ids.FindID(entity, domain.SideDocument, key)
	if !ok {
		return "", domainerrors.MissingMappingf("%s %q has not been migrated to the document store", entity, key)
	}
	return mapped, nil
}

// sourceLookupError classifies a failed parent lookup in the source store. A
// dangling reference cannot be resolved by any later stage, so it counts as a
// missing mapping; anything else is an I/O failure.
func sourceLookupError(err error, what, sourceID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domainerrors.MissingMappingf("%s %s does not exist in the source store", what, sourceID)
	}
	return domainerrors.Transient(err, "look up source "+what)
}

func uniqueIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

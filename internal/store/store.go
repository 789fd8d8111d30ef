// Package store is the document side of bookbridge: a Badger database holding
// authors, genres, books and comments as JSON documents keyed by object id.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Collection prefixes.
const (
	authorPrefix  = "author:"
	genrePrefix   = "genre:"
	bookPrefix    = "book:"
	commentPrefix = "comment:"
)

// Index names.
const (
	indexName   = "name"
	indexKey    = "key"
	indexLookup = "lookup"
	indexOrder  = "order"
)

// Store wraps a Badger database instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	Authors  *Entity[Author]
	Genres   *Entity[Genre]
	Books    *Entity[Book]
	Comments *Entity[Comment]
}

// New opens (or creates) the document store at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // A committed chunk must survive a crash
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &Store{db: db, logger: logger}
	s.initCollections()

	if logger != nil {
		logger.Info("Document store opened", "path", path)
	}
	return s, nil
}

func (s *Store) initCollections() {
	s.Authors = NewEntity(s, authorPrefix, func(a *Author) string { return a.ID }).
		WithIndex(indexName, func(a *Author) string { return a.NameKey() })

	s.Genres = NewEntity(s, genrePrefix, func(g *Genre) string { return g.ID }).
		WithIndex(indexName, func(g *Genre) string { return g.NameKey() })

	s.Books = NewEntity(s, bookPrefix, func(b *Book) string { return b.ID }).
		WithIndex(indexKey, func(b *Book) string { return b.NaturalKey })

	s.Comments = NewEntity(s, commentPrefix, func(c *Comment) string { return c.ID }).
		WithIndex(indexLookup, func(c *Comment) string { return commentLookupValue(c.BookID, c.CreatedAt, c.Text) }).
		WithIndex(indexOrder, func(c *Comment) string { return commentOrderValue(c.ID, c.CreatedAt) })
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	if s.logger != nil {
		s.logger.Info("Closing document store")
	}
	return s.db.Close()
}

// Ping reports whether the store accepts operations.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.View(fn)
}

// Truncate removes every document and index entry of the four collections.
func (s *Store) Truncate(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	err := s.db.DropPrefix(
		[]byte(commentPrefix),
		[]byte(bookPrefix),
		[]byte(genrePrefix),
		[]byte(authorPrefix),
	)
	if err != nil {
		return fmt.Errorf("drop collections: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("Document store truncated")
	}
	return nil
}

// Counts holds the number of documents per collection.
type Counts struct {
	Authors  int `json:"authors"`
	Genres   int `json:"genres"`
	Books    int `json:"books"`
	Comments int `json:"comments"`
}

// Counts returns the number of documents per collection.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Authors, err = s.Authors.Count(ctx); err != nil {
		return c, err
	}
	if c.Genres, err = s.Genres.Count(ctx); err != nil {
		return c, err
	}
	if c.Books, err = s.Books.Count(ctx); err != nil {
		return c, err
	}
	if c.Comments, err = s.Comments.Count(ctx); err != nil {
		return c, err
	}
	return c, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/listenupapp/bookbridge/internal/id"
	"github.com/listenupapp/bookbridge/internal/normalize"
)

// Author is an author document.
type Author struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NameKey is the author's natural key.
func (a *Author) NameKey() string { return normalize.Key(a.FullName) }

// Genre is a genre document.
type Genre struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NameKey is the genre's natural key.
func (g *Genre) NameKey() string { return normalize.Key(g.Name) }

// Book is a book document. Author and genres are referenced by object id;
// NaturalKey carries the normalized (author, title) pair so the unique index
// does not depend on a second document.
type Book struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	AuthorID   string    `json:"author_id"`
	GenreIDs   []string  `json:"genre_ids"`
	NaturalKey string    `json:"natural_key"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Comment is a comment document.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	BookID    string    `json:"book_id"`
	Version   int64     `json:"version"`
}

// sortableTime formats timestamps so byte order equals time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func commentLookupValue(bookID string, createdAt time.Time, text string) string {
	return bookID + "\x1f" + createdAt.UTC().Format(sortableTime) + "\x1f" + normalize.Key(text)
}

func commentOrderValue(commentID string, createdAt time.Time) string {
	return commentID + ":" + createdAt.UTC().Format(sortableTime)
}

// PageAuthors returns authors ordered by natural key.
func (s *Store) PageAuthors(ctx context.Context, offset, limit int) ([]*Author, error) {
	return s.Authors.PageByIndex(ctx, indexName, offset, limit)
}

// PageGenres returns genres ordered by natural key.
func (s *Store) PageGenres(ctx context.Context, offset, limit int) ([]*Genre, error) {
	return s.Genres.PageByIndex(ctx, indexName, offset, limit)
}

// PageBooks returns books ordered by natural key.
func (s *Store) PageBooks(ctx context.Context, offset, limit int) ([]*Book, error) {
	return s.Books.PageByIndex(ctx, indexKey, offset, limit)
}

// GetAuthor retrieves an author by id.
func (s *Store) GetAuthor(ctx context.Context, authorID string) (*Author, error) {
	return s.Authors.Get(ctx, authorID)
}

// GetGenre retrieves a genre by id.
func (s *Store) GetGenre(ctx context.Context, genreID string) (*Genre, error) {
	return s.Genres.Get(ctx, genreID)
}

// GetGenres retrieves genres by id, omitting ids that do not exist.
func (s *Store) GetGenres(ctx context.Context, genreIDs []string) ([]*Genre, error) {
	return s.Genres.GetMany(ctx, genreIDs)
}

// GetBook retrieves a book by id.
func (s *Store) GetBook(ctx context.Context, bookID string) (*Book, error) {
	return s.Books.Get(ctx, bookID)
}

// CommentIDs pages over comment ids in ascending order, optionally keeping
// only comments created at or after since. Only index keys are read.
func (s *Store) CommentIDs(ctx context.Context, since *time.Time, offset, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var floor string
	if since != nil {
		floor = since.UTC().Format(sortableTime)
	}

	prefix := indexPrefix(commentPrefix, indexOrder)
	ids := make([]string, 0, limit)

	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			commentID, createdAt, ok := strings.Cut(string(it.Item().Key()[len(prefix):]), ":")
			if !ok {
				continue
			}
			if floor != "" && createdAt < floor {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			ids = append(ids, commentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CommentsByIDs batch-fetches comments. The result order is unspecified.
func (s *Store) CommentsByIDs(ctx context.Context, ids []string) ([]*Comment, error) {
	return s.Comments.GetMany(ctx, ids)
}

// NaturalKeys lists the natural keys of a collection in order: author and
// genre name keys, or book keys.
func (s *Store) NaturalKeys(ctx context.Context, collection string) ([]string, error) {
	switch collection {
	case "author":
		return s.Authors.IndexValues(ctx, indexName)
	case "genre":
		return s.Genres.IndexValues(ctx, indexName)
	case "book":
		return s.Books.IndexValues(ctx, indexKey)
	default:
		return nil, fmt.Errorf("no natural keys for %q", collection)
	}
}

// Tx is one read-write transaction. Writers open one per chunk.
type Tx struct {
	store *Store
	txn   *badger.Txn
	now   time.Time
}

// Begin starts a read-write transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return &Tx{store: s, txn: s.db.NewTransaction(true), now: time.Now().UTC()}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("commit document transaction: %w", err)
	}
	return nil
}

// Discard rolls back the transaction. Safe after Commit.
func (tx *Tx) Discard() {
	tx.txn.Discard()
}

// FindAuthorByName returns the author whose natural key is nameKey.
func (tx *Tx) FindAuthorByName(nameKey string) (*Author, error) {
	return findBy(tx.txn, tx.store.Authors, indexName, nameKey)
}

// FindGenreByName returns the genre whose natural key is nameKey.
func (tx *Tx) FindGenreByName(nameKey string) (*Genre, error) {
	return findBy(tx.txn, tx.store.Genres, indexName, nameKey)
}

// FindBookByKey returns the book with the given natural key.
func (tx *Tx) FindBookByKey(bookKey string) (*Book, error) {
	return findBy(tx.txn, tx.store.Books, indexKey, bookKey)
}

// FindComment returns the comment identified by (book, createdAt, text).
func (tx *Tx) FindComment(bookID string, createdAt time.Time, text string) (*Comment, error) {
	return findBy(tx.txn, tx.store.Comments, indexLookup, commentLookupValue(bookID, createdAt, text))
}

func findBy[T any](txn *badger.Txn, e *Entity[T], index, value string) (*T, error) {
	docID, err := e.lookup(txn, index, value)
	if err != nil {
		return nil, err
	}
	return e.get(txn, docID)
}

// SaveAuthor creates or replaces an author. A new id is assigned when empty.
func (tx *Tx) SaveAuthor(a *Author) error {
	if err := tx.stamp(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	return tx.store.Authors.put(tx.txn, a)
}

// SaveGenre creates or replaces a genre. A new id is assigned when empty.
func (tx *Tx) SaveGenre(g *Genre) error {
	if err := tx.stamp(&g.ID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return err
	}
	return tx.store.Genres.put(tx.txn, g)
}

// SaveBook creates or replaces a book. A new id is assigned when empty.
// Genre ids are stored sorted and deduplicated.
func (tx *Tx) SaveBook(b *Book) error {
	if b.NaturalKey == "" {
		return errors.New("book has no natural key")
	}
	if err := tx.stamp(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return err
	}
	b.GenreIDs = uniqueSorted(b.GenreIDs)
	return tx.store.Books.put(tx.txn, b)
}

// SaveComment creates or replaces a comment. A new id is assigned when empty.
func (tx *Tx) SaveComment(c *Comment) error {
	if c.ID == "" {
		newID, err := id.NewObjectID()
		if err != nil {
			return err
		}
		c.ID = newID
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return tx.store.Comments.put(tx.txn, c)
}

func (tx *Tx) stamp(docID *string, createdAt, updatedAt *time.Time) error {
	if *docID == "" {
		newID, err := id.NewObjectID()
		if err != nil {
			return err
		}
		*docID = newID
		*createdAt = tx.now
	}
	*updatedAt = tx.now
	return nil
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

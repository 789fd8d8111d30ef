package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// BatchWriter bulk-loads documents with Badger's WriteBatch. It writes
// documents and index entries blindly, without conflict checks, so it is only
// suitable for loading into empty collections (seeding, fixtures).
type BatchWriter struct {
	store     *Store
	batch     *badger.WriteBatch
	maxSize   int
	count     int
	autoFlush bool
}

// NewBatchWriter creates a new batch writer that will auto-flush when maxSize is reached.
func (s *Store) NewBatchWriter(maxSize int) *BatchWriter {
	return &BatchWriter{
		store:     s,
		batch:     s.db.NewWriteBatch(),
		maxSize:   maxSize,
		autoFlush: true,
	}
}

// PutAuthor adds an author to the batch. The author must have an id.
func (b *BatchWriter) PutAuthor(a *Author) error {
	return batchPut(b, b.store.Authors, a)
}

// PutGenre adds a genre to the batch. The genre must have an id.
func (b *BatchWriter) PutGenre(g *Genre) error {
	return batchPut(b, b.store.Genres, g)
}

// PutBook adds a book to the batch. The book must have an id and natural key.
func (b *BatchWriter) PutBook(book *Book) error {
	book.GenreIDs = uniqueSorted(book.GenreIDs)
	return batchPut(b, b.store.Books, book)
}

// PutComment adds a comment to the batch. The comment must have an id.
func (b *BatchWriter) PutComment(c *Comment) error {
	c.CreatedAt = c.CreatedAt.UTC()
	return batchPut(b, b.store.Comments, c)
}

func batchPut[T any](b *BatchWriter, e *Entity[T], entity *T) error {
	docID := e.idOf(entity)
	if docID == "" {
		return fmt.Errorf("batch put into %s: missing id", e.prefix)
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	if err := b.batch.Set([]byte(e.prefix+docID), data); err != nil {
		return fmt.Errorf("batch set document: %w", err)
	}
	for _, idx := range e.indexes {
		if err := b.batch.Set(indexPrefixKey(e.prefix, idx.name, idx.keyGen(entity)), []byte(docID)); err != nil {
			return fmt.Errorf("batch set index %s: %w", idx.name, err)
		}
	}

	b.count++
	if b.autoFlush && b.count >= b.maxSize {
		if err := b.Flush(); err != nil {
			return fmt.Errorf("auto flush: %w", err)
		}
	}
	return nil
}

// Flush commits all pending writes in the batch.
func (b *BatchWriter) Flush() error {
	if b.count == 0 {
		return nil
	}

	if err := b.batch.Flush(); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}

	if b.store.logger != nil {
		b.store.logger.LogAttrs(context.Background(), slog.LevelInfo, "batch flushed",
			slog.Int("count", b.count),
		)
	}

	b.count = 0
	b.batch = b.store.db.NewWriteBatch()
	return nil
}

// Cancel discards all pending writes in the batch.
func (b *BatchWriter) Cancel() {
	b.batch.Cancel()
	b.count = 0
}

// Count returns the number of documents in the current batch.
func (b *BatchWriter) Count() int {
	return b.count
}

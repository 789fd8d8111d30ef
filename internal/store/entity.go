package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Entity provides generic document operations for one collection. Secondary
// indexes are maintained in the same transaction as the document.
type Entity[T any] struct {
	store   *Store
	prefix  string
	idOf    func(*T) string
	indexes []Index[T]
}

// Index defines a unique secondary index on an entity.
type Index[T any] struct {
	name   string
	keyGen func(*T) string
}

// NewEntity creates a new Entity instance for type T.
func NewEntity[T any](s *Store, prefix string, idOf func(*T) string) *Entity[T] {
	return &Entity[T]{
		store:  s,
		prefix: prefix,
		idOf:   idOf,
	}
}

// WithIndex adds a unique secondary index to the entity.
func (e *Entity[T]) WithIndex(name string, keyGen func(*T) string) *Entity[T] {
	e.indexes = append(e.indexes, Index[T]{name: name, keyGen: keyGen})
	return e
}

// Prefix returns the collection's key prefix.
func (e *Entity[T]) Prefix() string {
	return e.prefix
}

// get loads a document inside txn. Returns ErrNotFound if absent.
func (e *Entity[T]) get(txn *badger.Txn, id string) (*T, error) {
	key := buildKey(e.prefix, id)
	defer releaseKey(key)

	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	var entity T
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entity)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return &entity, nil
}

// lookup resolves an index value to a document id inside txn.
func (e *Entity[T]) lookup(txn *badger.Txn, indexName, value string) (string, error) {
	key := buildIndexKey(e.prefix, indexName, value)
	defer releaseKey(key)

	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get index key: %w", err)
	}

	var id string
	err = item.Value(func(val []byte) error {
		id = string(val)
		return nil
	})
	return id, err
}

// put creates or replaces a document inside txn, moving its index entries.
// Returns ErrAlreadyExists when an index value is owned by another document.
func (e *Entity[T]) put(txn *badger.Txn, entity *T) error {
	id := e.idOf(entity)
	if id == "" {
		return errors.New("entity has no id")
	}

	old, err := e.get(txn, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	for _, idx := range e.indexes {
		value := idx.keyGen(entity)
		owner, err := e.lookup(txn, idx.name, value)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case owner != id:
			return fmt.Errorf("index %s conflict on key %q: %w", idx.name, value, ErrAlreadyExists)
		}
	}

	if old != nil {
		for _, idx := range e.indexes {
			oldValue := idx.keyGen(old)
			if oldValue == idx.keyGen(entity) {
				continue
			}
			// Keys handed to badger must stay untouched until commit, so no pooled buffers here.
			if err := txn.Delete(indexPrefixKey(e.prefix, idx.name, oldValue)); err != nil {
				return fmt.Errorf("failed to delete old index key: %w", err)
			}
		}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}

	if err := txn.Set([]byte(e.prefix+id), data); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	for _, idx := range e.indexes {
		if err := txn.Set(indexPrefixKey(e.prefix, idx.name, idx.keyGen(entity)), []byte(id)); err != nil {
			return fmt.Errorf("failed to set index key: %w", err)
		}
	}
	return nil
}

func indexPrefixKey(prefix, indexName, value string) []byte {
	return []byte(prefix + indexSegment + indexName + ":" + value)
}

// Get retrieves a document by id.
func (e *Entity[T]) Get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entity *T
	err := e.store.view(func(txn *badger.Txn) error {
		var err error
		entity, err = e.get(txn, id)
		return err
	})
	return entity, err
}

// GetMany retrieves documents by id. Missing ids are silently omitted and the
// result follows map iteration order, not the order of ids.
func (e *Entity[T]) GetMany(ctx context.Context, ids []string) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}

	out := make([]*T, 0, len(unique))
	err := e.store.view(func(txn *badger.Txn) error {
		for id := range unique {
			entity, err := e.get(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PageByIndex returns up to limit documents ordered by the named index value,
// skipping the first offset entries.
func (e *Entity[T]) PageByIndex(ctx context.Context, indexName string, offset, limit int) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := indexPrefix(e.prefix, indexName)
	out := make([]*T, 0, limit)

	err := e.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if skipped < offset {
				skipped++
				continue
			}

			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			entity, err := e.get(txn, id)
			if err != nil {
				return fmt.Errorf("index %s points at %s: %w", indexName, id, err)
			}
			out = append(out, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IndexValues lists the values of an index in order. Used for diagnostics and
// natural-key set comparisons.
func (e *Entity[T]) IndexValues(ctx context.Context, indexName string) ([]string, error) {
	prefix := indexPrefix(e.prefix, indexName)
	var values []string

	err := e.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			values = append(values, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return values, err
}

// Count returns the number of documents in the collection.
func (e *Entity[T]) Count(ctx context.Context) (int, error) {
	prefix := []byte(e.prefix)
	idx := []byte(e.prefix + indexSegment)
	count := 0

	err := e.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if bytes.HasPrefix(it.Item().Key(), idx) {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

// Package migrate moves authors, genres, books and comments between the
// document store and the relational store. Each entity is migrated by one
// stage built from a paged reader, a processor that resolves references
// through the identity store, and an upsert writer.
package migrate

import (
	"cmp"
	"context"
	"io"
	"slices"

	"github.com/listenupapp/bookbridge/internal/domain"
)

// Reader produces source records in a deterministic order. Read returns
// io.EOF once the sequence is exhausted.
type Reader[S any] interface {
	Read(ctx context.Context) (S, error)
	// Position is the cursor of the next record Read would return.
	Position() domain.Position
	// Seek moves the cursor to a position previously returned by Position.
	Seek(pos domain.Position)
}

// PageFunc fetches limit records starting at offset.
type PageFunc[S any] func(ctx context.Context, offset, limit int) ([]S, error)

// pagedReader serves records one page at a time. An empty page ends the
// sequence.
type pagedReader[S any] struct {
	fetch    PageFunc[S]
	pageSize int

	page   int
	offset int
	buf    []S
	loaded bool
}

// NewPagedReader returns a reader over fetch with the given page size.
func NewPagedReader[S any](fetch PageFunc[S], pageSize int) Reader[S] {
	return &pagedReader[S]{fetch: fetch, pageSize: pageSize}
}

func (r *pagedReader[S]) Read(ctx context.Context) (S, error) {
	var zero S
	for {
		if r.loaded && r.offset < len(r.buf) {
			item := r.buf[r.offset]
			r.offset++
			return item, nil
		}
		if r.loaded {
			if len(r.buf) == 0 {
				return zero, io.EOF
			}
			r.page++
			r.offset = 0
			r.loaded = false
		}

		buf, err := r.fetch(ctx, r.page*r.pageSize, r.pageSize)
		if err != nil {
			return zero, err
		}
		r.buf = buf
		r.loaded = true
	}
}

func (r *pagedReader[S]) Position() domain.Position {
	return domain.Position{Page: r.page, Offset: r.offset}
}

func (r *pagedReader[S]) Seek(pos domain.Position) {
	r.page, r.offset = pos.Page, pos.Offset
	r.buf, r.loaded = nil, false
}

// IDPageFunc pages over record ids in ascending order.
type IDPageFunc[K cmp.Ordered] func(ctx context.Context, offset, limit int) ([]K, error)

// BatchFunc fetches the records for a set of ids in any order. Ids that no
// longer exist are omitted.
type BatchFunc[K cmp.Ordered, S any] func(ctx context.Context, ids []K) ([]S, error)

// twoPhaseReader pages over ids only, then batch-fetches the records of the
// current page and re-sorts them by id. Memory is bounded to one page.
type twoPhaseReader[K cmp.Ordered, S any] struct {
	ids      IDPageFunc[K]
	batch    BatchFunc[K, S]
	idOf     func(S) K
	pageSize int

	page   int
	offset int
	buf    []S
	loaded bool
	done   bool
}

// NewTwoPhaseReader returns a reader that pages ids with ids and loads the
// records of each page with batch.
func NewTwoPhaseReader[K cmp.Ordered, S any](ids IDPageFunc[K], batch BatchFunc[K, S], idOf func(S) K, pageSize int) Reader[S] {
	return &twoPhaseReader[K, S]{ids: ids, batch: batch, idOf: idOf, pageSize: pageSize}
}

func (r *twoPhaseReader[K, S]) Read(ctx context.Context) (S, error) {
	var zero S
	for {
		if r.done {
			return zero, io.EOF
		}
		if r.loaded && r.offset < len(r.buf) {
			item := r.buf[r.offset]
			r.offset++
			return item, nil
		}
		if r.loaded {
			r.page++
			r.offset = 0
			r.loaded = false
		}
		if err := r.load(ctx); err != nil {
			return zero, err
		}
	}
}

func (r *twoPhaseReader[K, S]) load(ctx context.Context) error {
	ids, err := r.ids(ctx, r.page*r.pageSize, r.pageSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		r.done = true
		return nil
	}

	records, err := r.batch(ctx, ids)
	if err != nil {
		return err
	}
	slices.SortFunc(records, func(a, b S) int {
		return cmp.Compare(r.idOf(a), r.idOf(b))
	})

	r.buf = records
	r.loaded = true
	return nil
}

func (r *twoPhaseReader[K, S]) Position() domain.Position {
	return domain.Position{Page: r.page, Offset: r.offset}
}

func (r *twoPhaseReader[K, S]) Seek(pos domain.Position) {
	r.page, r.offset = pos.Page, pos.Offset
	r.buf, r.loaded, r.done = nil, false, false
}

package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/listenupapp/bookbridge/internal/normalize"
	"github.com/listenupapp/bookbridge/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func inTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Discard()
	if err := fn(tx); err != nil {
		t.Fatalf("tx body: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected wal, got %s", journalMode)
	}

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign_keys=1, got %d", fk)
	}

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestAuthors_InsertFindUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Author{FullName: "Martin Fowler", Version: 2}
	inTx(t, s, func(tx *Tx) error { return tx.InsertAuthor(a) })
	if a.ID != 1 {
		t.Errorf("expected id 1, got %d", a.ID)
	}

	inTx(t, s, func(tx *Tx) error {
		found, err := tx.FindAuthorByName("martin fowler")
		if err != nil {
			return err
		}
		found.FullName = "Martin  FOWLER"
		found.Version = 5
		return tx.UpdateAuthor(found)
	})

	got, err := s.GetAuthor(ctx, a.ID)
	if err != nil {
		t.Fatalf("get author: %v", err)
	}
	if got.FullName != "Martin  FOWLER" || got.Version != 5 {
		t.Errorf("unexpected author after update: %+v", got)
	}

	if _, err := s.GetAuthor(ctx, 99); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthors_DuplicateKey(t *testing.T) {
	s := newTestStore(t)
	inTx(t, s, func(tx *Tx) error { return tx.InsertAuthor(&Author{FullName: "Kent Beck"}) })

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Discard()

	err = tx.InsertAuthor(&Author{FullName: "KENT beck"})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// The failed statement leaves the transaction usable.
	if err := tx.InsertAuthor(&Author{FullName: "Eric Evans"}); err != nil {
		t.Fatalf("insert after constraint failure: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBooks_GenresReplacedWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	author := &Author{FullName: "Martin Fowler"}
	g1, g2, g3 := &Genre{Name: "Software"}, &Genre{Name: "Classics"}, &Genre{Name: "Architecture"}
	book := &Book{Title: "Refactoring", BookKey: normalize.BookKey("martin fowler", "Refactoring")}

	inTx(t, s, func(tx *Tx) error {
		for _, err := range []error{tx.InsertAuthor(author), tx.InsertGenre(g1), tx.InsertGenre(g2), tx.InsertGenre(g3)} {
			if err != nil {
				return err
			}
		}
		book.AuthorID = author.ID
		book.GenreIDs = []int64{g2.ID, g1.ID, g1.ID}
		return tx.InsertBook(book)
	})

	got, err := s.GetBook(ctx, book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if len(got.GenreIDs) != 2 || got.AuthorName != "Martin Fowler" {
		t.Fatalf("unexpected book: %+v", got)
	}

	inTx(t, s, func(tx *Tx) error {
		found, err := tx.FindBookByKey(book.BookKey)
		if err != nil {
			return err
		}
		found.GenreIDs = []int64{g3.ID}
		return tx.UpdateBook(found)
	})

	books, err := s.PageBooks(ctx, 0, 10)
	if err != nil {
		t.Fatalf("page books: %v", err)
	}
	if len(books) != 1 || len(books[0].GenreIDs) != 1 || books[0].GenreIDs[0] != g3.ID {
		t.Fatalf("expected genre set {%d}, got %+v", g3.ID, books)
	}
}

func TestBooks_MissingAuthorIsConstraint(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Discard()

	err = tx.InsertBook(&Book{Title: "Orphan", AuthorID: 42, BookKey: "x"})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestTx_ItemRollsBackPartialWrite(t *testing.T) {
	s := newTestStore(t)
	author := &Author{FullName: "Kent Beck"}
	inTx(t, s, func(tx *Tx) error { return tx.InsertAuthor(author) })

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Discard()

	err = tx.Item(func() error {
		return tx.InsertBook(&Book{Title: "TDD", AuthorID: author.ID, BookKey: "kent beck\x1ftdd", GenreIDs: []int64{99}})
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}

	if err := tx.Item(func() error {
		return tx.InsertBook(&Book{Title: "TDD", AuthorID: author.ID, BookKey: "kent beck\x1ftdd"})
	}); err != nil {
		t.Fatalf("insert after rollback: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	c, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Books != 1 {
		t.Errorf("expected 1 book, got %d", c.Books)
	}
}

func seedComments(t *testing.T, s *Store) (*Book, time.Time) {
	t.Helper()
	base := time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC)
	author := &Author{FullName: "Martin Fowler"}
	book := &Book{Title: "Refactoring", BookKey: normalize.BookKey("martin fowler", "refactoring")}

	inTx(t, s, func(tx *Tx) error {
		if err := tx.InsertAuthor(author); err != nil {
			return err
		}
		book.AuthorID = author.ID
		if err := tx.InsertBook(book); err != nil {
			return err
		}
		for i, text := range []string{"Classic on refactoring", "Second", "Third"} {
			c := &Comment{Text: text, BookID: book.ID, CreatedAt: base.Add(time.Duration(i-1) * time.Hour)}
			if err := tx.InsertComment(c); err != nil {
				return err
			}
		}
		return nil
	})
	return book, base
}

func TestComments_IDsAndBatchFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, base := seedComments(t, s)

	ids, err := s.CommentIDs(ctx, nil, 0, 2)
	if err != nil {
		t.Fatalf("comment ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected first page %v", ids)
	}

	ids, err = s.CommentIDs(ctx, nil, 2, 2)
	if err != nil || len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("unexpected second page %v (%v)", ids, err)
	}

	ids, err = s.CommentIDs(ctx, &base, 0, 10)
	if err != nil || len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("unexpected since page %v (%v)", ids, err)
	}

	comments, err := s.CommentsByIDs(ctx, []int64{3, 1})
	if err != nil {
		t.Fatalf("comments by ids: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	for _, c := range comments {
		if c.AuthorName != "Martin Fowler" || c.BookTitle != "Refactoring" {
			t.Errorf("join not populated: %+v", c)
		}
	}
}

func TestComments_FindByIdentity(t *testing.T) {
	s := newTestStore(t)
	book, base := seedComments(t, s)

	inTx(t, s, func(tx *Tx) error {
		c, err := tx.FindComment(book.ID, base.Add(-time.Hour), "  classic ON refactoring ")
		if err != nil {
			return err
		}
		if c.ID != 1 {
			t.Errorf("expected comment 1, got %d", c.ID)
		}
		_, err = tx.FindComment(book.ID, base.Add(time.Minute), "Classic on refactoring")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
}

func TestTruncate_ResetsSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedComments(t, s)

	if err := s.Truncate(ctx); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts != (Counts{}) {
		t.Fatalf("expected empty tables, got %+v", counts)
	}

	a := &Author{FullName: "Eric Evans"}
	inTx(t, s, func(tx *Tx) error { return tx.InsertAuthor(a) })
	if a.ID != 1 {
		t.Errorf("expected sequence reset to 1, got %d", a.ID)
	}
}

func TestNaturalKeys(t *testing.T) {
	s := newTestStore(t)
	inTx(t, s, func(tx *Tx) error {
		for _, name := range []string{"Software", "architecture"} {
			if err := tx.InsertGenre(&Genre{Name: name}); err != nil {
				return err
			}
		}
		return nil
	})

	keys, err := s.NaturalKeys(context.Background(), "genre")
	if err != nil {
		t.Fatalf("natural keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "architecture" || keys[1] != "software" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestParseAndFormatID(t *testing.T) {
	v, err := ParseID(FormatID(42))
	if err != nil || v != 42 {
		t.Fatalf("round trip failed: %d %v", v, err)
	}
	for _, bad := range []string{"", "0", "-1", "65f1c0de9a3b4e27d1c8a0f2"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) succeeded", bad)
		}
	}
}

// Package sqlite is the relational side of bookbridge: authors, genres, books,
// comments and the book_genres join table in a SQLite database with
// auto-increment integer ids.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/listenupapp/bookbridge/internal/store"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store provides SQLite-backed persistence for the relational side.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a new relational store at the given path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := OpenDB(path, schemaSQL)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("Relational store opened", "path", path)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenDB opens a SQLite database with WAL, foreign keys and a busy timeout
// applied to every pooled connection, then runs schema. Transactions begin
// IMMEDIATE so concurrent writers queue on the busy timeout instead of failing
// when a read lock is upgraded.
func OpenDB(path, schema string) (*sql.DB, error) {
	q := url.Values{}
	for _, pragma := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	} {
		q.Add("_pragma", pragma)
	}
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.logger != nil {
		s.logger.Info("Closing relational store")
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.ErrClosed.WithCause(err)
	}
	return nil
}

// Truncate deletes every row of the five tables, children first, and resets
// the auto-increment counters.
func (s *Store) Truncate(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"comments", "book_genres", "books", "genres", "authors"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sqlite_sequence WHERE name IN ('comments', 'books', 'genres', 'authors')`); err != nil {
		return fmt.Errorf("reset sequences: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("Relational store truncated")
	}
	return nil
}

// Counts holds the number of rows per entity table.
type Counts struct {
	Authors  int `json:"authors"`
	Genres   int `json:"genres"`
	Books    int `json:"books"`
	Comments int `json:"comments"`
}

// Counts returns the number of rows per entity table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM authors),
			(SELECT COUNT(*) FROM genres),
			(SELECT COUNT(*) FROM books),
			(SELECT COUNT(*) FROM comments)`).
		Scan(&c.Authors, &c.Genres, &c.Books, &c.Comments)
	if err != nil {
		return c, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

// NaturalKeys lists the natural keys of an entity table in order.
func (s *Store) NaturalKeys(ctx context.Context, entity string) ([]string, error) {
	var query string
	switch entity {
	case "author":
		query = `SELECT name_key FROM authors ORDER BY name_key`
	case "genre":
		query = `SELECT name_key FROM genres ORDER BY name_key`
	case "book":
		query = `SELECT book_key FROM books ORDER BY book_key`
	default:
		return nil, fmt.Errorf("no natural keys for %q", entity)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query natural keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan natural key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// sortableTime is fixed-width so stored timestamps compare correctly as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// formatTime formats a time.Time for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

// parseTime parses a stored timestamp back to time.Time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// MapWriteError translates SQLite constraint failures into store sentinels.
func MapWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return store.ErrAlreadyExists.WithCause(err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return store.ErrConstraint.WithCause(err)
	}
	return err
}

// placeholders returns "?, ?, ?" with n markers and the ids as arguments.
func placeholders(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, v := range ids {
		marks[i] = "?"
		args[i] = v
	}
	return strings.Join(marks, ", "), args
}

// ParseID converts a mapped string id back to a row id.
func ParseID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid relational id %q", s)
	}
	return v, nil
}

// FormatID converts a row id to the string form kept in identity maps.
func FormatID(v int64) string {
	return strconv.FormatInt(v, 10)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

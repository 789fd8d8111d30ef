package sqlite

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Book is a books row. AuthorName is joined from authors on read and ignored
// on write; GenreIDs mirrors book_genres.
type Book struct {
	ID         int64
	Title      string
	AuthorID   int64
	AuthorName string
	BookKey    string
	GenreIDs   []int64
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const bookColumns = `b.id, b.title, b.author_id, a.full_name, b.book_key, b.version, b.created_at, b.updated_at`

const bookFrom = ` FROM books b JOIN authors a ON a.id = b.author_id`

func scanBook(scanner interface{ Scan(dest ...any) error }) (*Book, error) {
	var (
		b         Book
		createdAt string
		updatedAt string
	)
	err := scanner.Scan(&b.ID, &b.Title, &b.AuthorID, &b.AuthorName, &b.BookKey, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// PageBooks returns books ordered by natural key, with author names and
// genre ids populated.
func (s *Store) PageBooks(ctx context.Context, offset, limit int) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+bookFrom+` ORDER BY b.book_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	if err := s.loadGenreIDs(ctx, books); err != nil {
		return nil, err
	}
	return books, nil
}

// GetBook retrieves a book by id with its author name and genre ids.
// Returns store.ErrNotFound if the book does not exist.
func (s *Store) GetBook(ctx context.Context, id int64) (*Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+bookFrom+` WHERE b.id = ?`, id)
	b, err := scanBook(row)
	if err != nil {
		return nil, notFound(err)
	}
	if err := s.loadGenreIDs(ctx, []*Book{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// loadGenreIDs fills GenreIDs for every book with one query.
func (s *Store) loadGenreIDs(ctx context.Context, books []*Book) error {
	if len(books) == 0 {
		return nil
	}

	byID := make(map[int64]*Book, len(books))
	ids := make([]int64, len(books))
	for i, b := range books {
		b.GenreIDs = []int64{}
		byID[b.ID] = b
		ids[i] = b.ID
	}

	marks, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT book_id, genre_id FROM book_genres WHERE book_id IN (`+marks+`) ORDER BY book_id, genre_id`, args...)
	if err != nil {
		return fmt.Errorf("query book_genres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bookID, genreID int64
		if err := rows.Scan(&bookID, &genreID); err != nil {
			return fmt.Errorf("scan book_genres: %w", err)
		}
		if b, ok := byID[bookID]; ok {
			b.GenreIDs = append(b.GenreIDs, genreID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration: %w", err)
	}
	return nil
}

// FindBookByKey returns the book with the given natural key. GenreIDs is not
// populated since writers replace the set wholesale.
func (t *Tx) FindBookByKey(bookKey string) (*Book, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+bookColumns+bookFrom+` WHERE b.book_key = ?`, bookKey)
	b, err := scanBook(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// InsertBook inserts b, sets its id and writes its genre set.
func (t *Tx) InsertBook(b *Book) error {
	b.CreatedAt, b.UpdatedAt = t.now, t.now
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO books (title, author_id, book_key, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.Title, b.AuthorID, b.BookKey, b.Version, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return MapWriteError(err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return t.ReplaceBookGenres(b.ID, b.GenreIDs)
}

// UpdateBook overwrites the mutable fields of an existing book and replaces
// its genre set.
func (t *Tx) UpdateBook(b *Book) error {
	b.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE books SET title = ?, author_id = ?, book_key = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		b.Title, b.AuthorID, b.BookKey, b.Version, formatTime(b.UpdatedAt), b.ID)
	if err != nil {
		return MapWriteError(err)
	}
	return t.ReplaceBookGenres(b.ID, b.GenreIDs)
}

// ReplaceBookGenres replaces all genre associations for a book: existing rows
// are deleted, then the new set is inserted.
func (t *Tx) ReplaceBookGenres(bookID int64, genreIDs []int64) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM book_genres WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("delete book_genres: %w", err)
	}

	ids := slices.Clone(genreIDs)
	slices.Sort(ids)
	for _, genreID := range slices.Compact(ids) {
		_, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO book_genres (book_id, genre_id) VALUES (?, ?)`, bookID, genreID)
		if err != nil {
			return MapWriteError(err)
		}
	}
	return nil
}

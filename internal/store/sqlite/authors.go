package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/listenupapp/bookbridge/internal/normalize"
)

// Author is an authors row.
type Author struct {
	ID        int64
	FullName  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NameKey is the author's natural key.
func (a *Author) NameKey() string { return normalize.Key(a.FullName) }

const authorColumns = `id, full_name, version, created_at, updated_at`

func scanAuthor(scanner interface{ Scan(dest ...any) error }) (*Author, error) {
	var (
		a         Author
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&a.ID, &a.FullName, &a.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// PageAuthors returns authors ordered by natural key.
func (s *Store) PageAuthors(ctx context.Context, offset, limit int) ([]*Author, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+authorColumns+` FROM authors ORDER BY name_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query authors: %w", err)
	}
	defer rows.Close()

	var authors []*Author
	for rows.Next() {
		a, err := scanAuthor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return authors, nil
}

// GetAuthor retrieves an author by id.
// Returns store.ErrNotFound if the author does not exist.
func (s *Store) GetAuthor(ctx context.Context, id int64) (*Author, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+authorColumns+` FROM authors WHERE id = ?`, id)
	a, err := scanAuthor(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// FindAuthorByName returns the author whose natural key is nameKey.
func (t *Tx) FindAuthorByName(nameKey string) (*Author, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+authorColumns+` FROM authors WHERE name_key = ?`, nameKey)
	a, err := scanAuthor(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// InsertAuthor inserts a and sets its id.
func (t *Tx) InsertAuthor(a *Author) error {
	a.CreatedAt, a.UpdatedAt = t.now, t.now
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO authors (full_name, name_key, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.FullName, a.NameKey(), a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return MapWriteError(err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// UpdateAuthor overwrites the mutable fields of an existing author.
func (t *Tx) UpdateAuthor(a *Author) error {
	a.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE authors SET full_name = ?, name_key = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		a.FullName, a.NameKey(), a.Version, formatTime(a.UpdatedAt), a.ID)
	return MapWriteError(err)
}

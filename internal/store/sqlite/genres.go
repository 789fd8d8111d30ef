package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/listenupapp/bookbridge/internal/normalize"
)

// Genre is a genres row.
type Genre struct {
	ID        int64
	Name      string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NameKey is the genre's natural key.
func (g *Genre) NameKey() string { return normalize.Key(g.Name) }

const genreColumns = `id, name, version, created_at, updated_at`

func scanGenre(scanner interface{ Scan(dest ...any) error }) (*Genre, error) {
	var (
		g         Genre
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&g.ID, &g.Name, &g.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// PageGenres returns genres ordered by natural key.
func (s *Store) PageGenres(ctx context.Context, offset, limit int) ([]*Genre, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+genreColumns+` FROM genres ORDER BY name_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query genres: %w", err)
	}
	defer rows.Close()

	var genres []*Genre
	for rows.Next() {
		g, err := scanGenre(rows)
		if err != nil {
			return nil, fmt.Errorf("scan genre: %w", err)
		}
		genres = append(genres, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return genres, nil
}

// GetGenres retrieves genres by id, omitting ids that do not exist.
func (s *Store) GetGenres(ctx context.Context, ids []int64) ([]*Genre, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+genreColumns+` FROM genres WHERE id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query genres: %w", err)
	}
	defer rows.Close()

	var genres []*Genre
	for rows.Next() {
		g, err := scanGenre(rows)
		if err != nil {
			return nil, fmt.Errorf("scan genre: %w", err)
		}
		genres = append(genres, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return genres, nil
}

// FindGenreByName returns the genre whose natural key is nameKey.
func (t *Tx) FindGenreByName(nameKey string) (*Genre, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+genreColumns+` FROM genres WHERE name_key = ?`, nameKey)
	g, err := scanGenre(row)
	if err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

// InsertGenre inserts g and sets its id.
func (t *Tx) InsertGenre(g *Genre) error {
	g.CreatedAt, g.UpdatedAt = t.now, t.now
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO genres (name, name_key, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.Name, g.NameKey(), g.Version, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return MapWriteError(err)
	}
	g.ID, err = res.LastInsertId()
	return err
}

// UpdateGenre overwrites the mutable fields of an existing genre.
func (t *Tx) UpdateGenre(g *Genre) error {
	g.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE genres SET name = ?, name_key = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		g.Name, g.NameKey(), g.Version, formatTime(g.UpdatedAt), g.ID)
	return MapWriteError(err)
}

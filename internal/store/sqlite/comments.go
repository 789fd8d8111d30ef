package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/listenupapp/bookbridge/internal/normalize"
)

// Comment is a comments row. BookKey, BookTitle and AuthorName are joined
// from books and authors on read.
type Comment struct {
	ID         int64
	Text       string
	CreatedAt  time.Time
	BookID     int64
	BookKey    string
	BookTitle  string
	AuthorName string
	Version    int64
}

const commentColumns = `c.id, c.text, c.created_at, c.book_id, b.book_key, b.title, a.full_name, c.version`

const commentFrom = ` FROM comments c JOIN books b ON b.id = c.book_id JOIN authors a ON a.id = b.author_id`

func scanComment(scanner interface{ Scan(dest ...any) error }) (*Comment, error) {
	var (
		c         Comment
		createdAt string
	)
	err := scanner.Scan(&c.ID, &c.Text, &createdAt, &c.BookID, &c.BookKey, &c.BookTitle, &c.AuthorName, &c.Version)
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CommentIDs pages over comment ids in ascending order, optionally keeping
// only comments created at or after since.
func (s *Store) CommentIDs(ctx context.Context, since *time.Time, offset, limit int) ([]int64, error) {
	var floor sql.NullString
	if since != nil {
		floor = sql.NullString{String: formatTime(*since), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM comments
		WHERE ? IS NULL OR created_at >= ?
		ORDER BY id
		LIMIT ? OFFSET ?`, floor, floor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query comment ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return ids, nil
}

// CommentsByIDs batch-fetches comments. The result order is unspecified.
func (s *Store) CommentsByIDs(ctx context.Context, ids []int64) ([]*Comment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+commentFrom+` WHERE c.id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return comments, nil
}

// FindComment returns the comment identified by (book, createdAt, text).
func (t *Tx) FindComment(bookID int64, createdAt time.Time, text string) (*Comment, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+commentColumns+commentFrom+`
		WHERE c.book_id = ? AND c.created_at = ? AND c.text_key = ?
		ORDER BY c.id LIMIT 1`,
		bookID, formatTime(createdAt), normalize.Key(text))
	c, err := scanComment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// InsertComment inserts c and sets its id.
func (t *Tx) InsertComment(c *Comment) error {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO comments (text, text_key, created_at, book_id, version)
		VALUES (?, ?, ?, ?, ?)`,
		c.Text, normalize.Key(c.Text), formatTime(c.CreatedAt), c.BookID, c.Version)
	if err != nil {
		return MapWriteError(err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// UpdateComment overwrites the mutable fields of an existing comment.
func (t *Tx) UpdateComment(c *Comment) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE comments SET text = ?, text_key = ?, version = ?
		WHERE id = ?`,
		c.Text, normalize.Key(c.Text), c.Version, c.ID)
	return MapWriteError(err)
}

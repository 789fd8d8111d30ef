package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is one chunk's transaction. Writers open one per chunk, perform every
// find and upsert through it, then Commit.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{ctx: ctx, tx: tx, now: time.Now().UTC()}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit relational transaction: %w", err)
	}
	return nil
}

// Discard rolls back the transaction. Safe after Commit.
func (t *Tx) Discard() {
	_ = t.tx.Rollback()
}

// Item runs fn inside a savepoint. When fn fails, everything it wrote is
// rolled back while the enclosing transaction stays usable.
func (t *Tx) Item(fn func() error) error {
	if _, err := t.tx.ExecContext(t.ctx, `SAVEPOINT item`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(t.ctx, `ROLLBACK TO item`); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %w (after %w)", rbErr, err)
		}
		_, _ = t.tx.ExecContext(t.ctx, `RELEASE item`)
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `RELEASE item`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

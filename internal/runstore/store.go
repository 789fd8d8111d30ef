// Package runstore persists pipeline runs, their stage progress and the
// identity snapshot taken at every chunk boundary, so an interrupted run can
// be restarted from its last committed chunk.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/listenupapp/bookbridge/internal/domain"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeFormat is fixed-width so started_at orders correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed run state database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the run state database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlite.OpenDB(path, schemaSQL)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("Run store opened", "path", path)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.ErrClosed.WithCause(err)
	}
	return nil
}

// CreateRun inserts a run with its stage records and initial identity
// snapshot. Returns store.ErrAlreadyExists if the id is taken.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run, identity []byte) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, params, status, started_at, ended_at, resumed_from, error, identity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Pipeline), string(params), string(run.Status),
		formatTime(run.StartedAt), nullTime(run.EndedAt), nullString(run.ResumedFrom), nullString(run.Error),
		nullBytes(identity))
	if err != nil {
		return sqlite.MapWriteError(err)
	}

	for _, stage := range run.Stages {
		if err := saveStage(ctx, tx, run.ID, stage); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// SaveCheckpoint records one stage's progress together with the identity
// snapshot in a single transaction. A nil identity leaves the stored
// snapshot untouched.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, stage domain.StageExecution, identity []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveStage(ctx, tx, runID, stage); err != nil {
		return err
	}

	if identity != nil {
		res, err := tx.ExecContext(ctx, `UPDATE runs SET identity = ? WHERE id = ?`, string(identity), runID)
		if err != nil {
			return fmt.Errorf("update identity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// UpdateRun stores the run's status, end time, error and every stage record.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, error = ?
		WHERE id = ?`,
		string(run.Status), nullTime(run.EndedAt), nullString(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	for _, stage := range run.Stages {
		if err := saveStage(ctx, tx, run.ID, stage); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func saveStage(ctx context.Context, tx *sql.Tx, runID string, st domain.StageExecution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_stages (run_id, stage, ordinal, state, read_count, write_count, skip_count,
			page, page_offset, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			state = excluded.state,
			read_count = excluded.read_count,
			write_count = excluded.write_count,
			skip_count = excluded.skip_count,
			page = excluded.page,
			page_offset = excluded.page_offset,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			error = excluded.error`,
		runID, st.Stage, stageOrdinal(st.Stage), string(st.State),
		st.ReadCount, st.WriteCount, st.SkipCount,
		st.Position.Page, st.Position.Offset,
		nullTime(st.StartedAt), nullTime(st.EndedAt), nullString(st.Error))
	if err != nil {
		return fmt.Errorf("save stage %s: %w", st.Stage, sqlite.MapWriteError(err))
	}
	return nil
}

const runColumns = `id, pipeline, params, status, started_at, ended_at, resumed_from, error`

// GetRun returns a run with its stages in execution order.
// Returns store.ErrNotFound if the run does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if err := s.loadStages(ctx, []*domain.Run{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns up to limit runs of pipeline, newest first.
func (s *Store) ListRuns(ctx context.Context, pipeline domain.Pipeline, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE pipeline = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, string(pipeline), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// LastRun returns the newest run of pipeline, or store.ErrNotFound.
func (s *Store) LastRun(ctx context.Context, pipeline domain.Pipeline) (*domain.Run, error) {
	runs, err := s.ListRuns(ctx, pipeline, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, store.ErrNotFound
	}
	return runs[0], nil
}

// LastCompletedRun returns the newest COMPLETED run of pipeline, or
// store.ErrNotFound.
func (s *Store) LastCompletedRun(ctx context.Context, pipeline domain.Pipeline) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE pipeline = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`, string(pipeline), string(domain.RunCompleted))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last completed run: %w", err)
	}
	if err := s.loadStages(ctx, []*domain.Run{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// Identity returns the identity snapshot persisted with the run. A run that
// never checkpointed returns nil.
func (s *Store) Identity(ctx context.Context, runID string) ([]byte, error) {
	var snapshot sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT identity FROM runs WHERE id = ?`, runID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if !snapshot.Valid {
		return nil, nil
	}
	return []byte(snapshot.String), nil
}

// MarkInterrupted fails every run still recorded as RUNNING, together with
// its RUNNING stages. It is called at startup: such runs belonged to a
// process that exited without finishing them, and restarting them resumes
// from their last checkpoint.
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	const reason = "interrupted by process exit"
	ended := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE run_stages SET state = ?, ended_at = ?, error = ?
		WHERE state = ? AND run_id IN (SELECT id FROM runs WHERE status = ?)`,
		string(domain.StageFailed), ended, reason, string(domain.StageRunning), string(domain.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted stages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, error = ?
		WHERE status = ?`,
		string(domain.RunFailed), ended, reason, string(domain.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if n > 0 && s.logger != nil {
		s.logger.Warn("Marked interrupted runs as failed", "count", n)
	}
	return int(n), nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*domain.Run, error) {
	var (
		run         domain.Run
		pipeline    string
		params      string
		status      string
		startedAt   string
		endedAt     sql.NullString
		resumedFrom sql.NullString
		runErr      sql.NullString
	)
	err := scanner.Scan(&run.ID, &pipeline, &params, &status, &startedAt, &endedAt, &resumedFrom, &runErr)
	if err != nil {
		return nil, err
	}

	run.Pipeline = domain.Pipeline(pipeline)
	run.Status = domain.RunStatus(status)
	run.ResumedFrom = resumedFrom.String
	run.Error = runErr.String

	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*domain.Run, error) {
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return runs, nil
}

// loadStages fills Stages for every run with one query.
func (s *Store) loadStages(ctx context.Context, runs []*domain.Run) error {
	if len(runs) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Run, len(runs))
	args := make([]any, len(runs))
	marks := make([]byte, 0, len(runs)*3)
	for i, run := range runs {
		run.Stages = []domain.StageExecution{}
		byID[run.ID] = run
		args[i] = run.ID
		if i > 0 {
			marks = append(marks, ", "...)
		}
		marks = append(marks, '?')
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage, state, read_count, write_count, skip_count, page, page_offset,
			started_at, ended_at, error
		FROM run_stages
		WHERE run_id IN (`+string(marks)+`)
		ORDER BY run_id, ordinal`, args...)
	if err != nil {
		return fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID     string
			st        domain.StageExecution
			state     string
			startedAt sql.NullString
			endedAt   sql.NullString
			stageErr  sql.NullString
		)
		err := rows.Scan(&runID, &st.Stage, &state, &st.ReadCount, &st.WriteCount, &st.SkipCount,
			&st.Position.Page, &st.Position.Offset, &startedAt, &endedAt, &stageErr)
		if err != nil {
			return fmt.Errorf("scan stage: %w", err)
		}
		st.State = domain.StageState(state)
		st.Error = stageErr.String
		if st.StartedAt, err = parseNullTime(startedAt); err != nil {
			return err
		}
		if st.EndedAt, err = parseNullTime(endedAt); err != nil {
			return err
		}
		if run, ok := byID[runID]; ok {
			run.Stages = append(run.Stages, st)
		}
	}
	return rows.Err()
}

// stageOrdinal orders stage rows in execution order.
func stageOrdinal(stage string) int {
	if i := slices.Index(domain.StageNames(true), stage); i >= 0 {
		return i
	}
	return len(domain.StageNames(true))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/bookbridge/internal/domain"
	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/identity"
	"github.com/listenupapp/bookbridge/internal/logger"
	"github.com/listenupapp/bookbridge/internal/runstore"
	"github.com/listenupapp/bookbridge/internal/seed"
	"github.com/listenupapp/bookbridge/internal/store"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

type harness struct {
	doc     *store.Store
	rel     *sqlite.Store
	relPath string
	runs    *runstore.Store
	engine  *Engine
	seq     int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()

	doc, err := store.New(filepath.Join(dir, "document"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = doc.Close() })

	relPath := filepath.Join(dir, "relational.db")
	rel, err := sqlite.Open(relPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rel.Close() })

	runs, err := runstore.Open(filepath.Join(dir, "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	return &harness{
		doc:     doc,
		rel:     rel,
		relPath: relPath,
		runs:    runs,
		engine:  NewEngine(doc, rel, runs, opts, logger.Discard()),
	}
}

func (h *harness) seedReference(t *testing.T) {
	t.Helper()
	_, err := seed.Load(context.Background(), h.doc, seed.Reference())
	require.NoError(t, err)
}

// start creates and executes a fresh run with empty identity maps.
func (h *harness) start(t *testing.T, pipeline domain.Pipeline, params domain.Params, stop StopFunc) (*domain.Run, *identity.Store, error) {
	t.Helper()
	h.seq++
	run := domain.NewRun(fmt.Sprintf("%s-%d", pipeline, h.seq), pipeline, params, time.Now())
	ids := identity.New()
	require.NoError(t, h.runs.CreateRun(context.Background(), run, nil))

	err := h.engine.Execute(context.Background(), run, ids, stop)
	return run, ids, err
}

// resume continues prev the way a restart does: stage records from the run
// store and identity maps from the persisted snapshot.
func (h *harness) resume(t *testing.T, prevID string, params *domain.Params) (*domain.Run, *identity.Store, error) {
	t.Helper()
	ctx := context.Background()

	prev, err := h.runs.GetRun(ctx, prevID)
	require.NoError(t, err)
	snapshot, err := h.runs.Identity(ctx, prevID)
	require.NoError(t, err)

	ids := identity.New()
	require.NoError(t, ids.RestoreJSON(snapshot, nil))

	run := prev.Resume(prevID+"-resumed", params, time.Now())
	require.NoError(t, h.runs.CreateRun(ctx, run, snapshot))

	err = h.engine.Execute(ctx, run, ids, nil)
	return run, ids, err
}

func (h *harness) relationalCounts(t *testing.T) sqlite.Counts {
	t.Helper()
	c, err := h.rel.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) documentCounts(t *testing.T) store.Counts {
	t.Helper()
	c, err := h.doc.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) relationalKeys(t *testing.T) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, entity := range []string{"author", "genre", "book"} {
		keys, err := h.rel.NaturalKeys(context.Background(), entity)
		require.NoError(t, err)
		out[entity] = keys
	}
	return out
}

func (h *harness) documentKeys(t *testing.T) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, entity := range []string{"author", "genre", "book"} {
		keys, err := h.doc.NaturalKeys(context.Background(), entity)
		require.NoError(t, err)
		sort.Strings(keys)
		out[entity] = keys
	}
	return out
}

func stageState(run *domain.Run, name string) domain.StageState {
	if s := run.Stage(name); s != nil {
		return s.State
	}
	return ""
}

func fastOptions() Options {
	return Options{ChunkSize: 2, PageSize: 3, SkipLimit: 10, Concurrency: 2}
}

func TestEngine_ReferenceScenario(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	forward, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, forward.Status)
	assert.Equal(t, sqlite.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 5}, h.relationalCounts(t))

	reverse, ids, err := h.start(t, domain.PipelineRelationalToDocument, domain.Params{TruncateBeforeLoad: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, reverse.Status)
	assert.Equal(t, domain.StageCompleted, stageState(reverse, domain.StageTruncate))

	assert.Equal(t, sqlite.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 5}, h.relationalCounts(t))
	assert.Equal(t, store.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 5}, h.documentCounts(t))

	// The truncated side was refilled with new ids; every mapping must
	// point at a live document.
	authorKeys := h.documentKeys(t)["author"]
	require.Len(t, authorKeys, 4)
	for _, key := range authorKeys {
		docID, ok := ids.FindID(domain.EntityAuthor, domain.SideDocument, key)
		require.True(t, ok, key)
		a, err := h.doc.GetAuthor(context.Background(), docID)
		require.NoError(t, err)
		assert.Equal(t, key, a.NameKey())
	}

	db, err := sql.Open("sqlite", h.relPath)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(`
		SELECT a.full_name, b.title, c.text, c.created_at
		FROM comments c
		JOIN books b ON b.id = c.book_id
		JOIN authors a ON a.id = b.author_id
		WHERE a.full_name = ? AND b.title = ? AND c.text = ?`,
		"Martin Fowler", "Refactoring", "Classic on refactoring")
	require.NoError(t, err)
	defer rows.Close()

	var matches int
	for rows.Next() {
		var author, title, text, createdAt string
		require.NoError(t, rows.Scan(&author, &title, &text, &createdAt))
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		require.NoError(t, err)
		assert.True(t, ts.Equal(time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC)), "created_at %s", createdAt)
		matches++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 1, matches)
}

func TestEngine_Idempotence(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	_, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)
	countsFirst := h.relationalCounts(t)
	keysFirst := h.relationalKeys(t)

	second, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)

	assert.Equal(t, countsFirst, h.relationalCounts(t))
	assert.Equal(t, keysFirst, h.relationalKeys(t))

	// Natural keys match the source exactly.
	sourceKeys := h.documentKeys(t)
	targetKeys := h.relationalKeys(t)
	for entity, keys := range sourceKeys {
		assert.Equal(t, keys, targetKeys[entity], entity)
	}
}

func TestEngine_MappingRoundTrip(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)
	ctx := context.Background()

	_, ids, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)

	keys := h.relationalKeys(t)
	for _, key := range keys["author"] {
		mapped, ok := ids.FindID(domain.EntityAuthor, domain.SideRelational, key)
		require.True(t, ok, key)
		rowID, err := sqlite.ParseID(mapped)
		require.NoError(t, err)
		a, err := h.rel.GetAuthor(ctx, rowID)
		require.NoError(t, err)
		assert.Equal(t, key, a.NameKey())
	}
	for _, key := range keys["genre"] {
		mapped, ok := ids.FindID(domain.EntityGenre, domain.SideRelational, key)
		require.True(t, ok, key)
		rowID, err := sqlite.ParseID(mapped)
		require.NoError(t, err)
		genres, err := h.rel.GetGenres(ctx, []int64{rowID})
		require.NoError(t, err)
		require.Len(t, genres, 1)
		assert.Equal(t, key, genres[0].NameKey())
	}
	for _, key := range keys["book"] {
		mapped, ok := ids.FindID(domain.EntityBook, domain.SideRelational, key)
		require.True(t, ok, key)
		rowID, err := sqlite.ParseID(mapped)
		require.NoError(t, err)
		b, err := h.rel.GetBook(ctx, rowID)
		require.NoError(t, err)
		assert.Equal(t, key, b.BookKey)
	}

	assert.Equal(t, len(keys["author"]), ids.Len(domain.EntityAuthor, domain.SideRelational))
	assert.Equal(t, len(keys["genre"]), ids.Len(domain.EntityGenre, domain.SideRelational))
	assert.Equal(t, len(keys["book"]), ids.Len(domain.EntityBook, domain.SideRelational))
}

func TestEngine_RefactoringKeepsBothGenres(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	_, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)

	books, err := h.rel.PageBooks(context.Background(), 0, 10)
	require.NoError(t, err)
	for _, b := range books {
		if b.Title == "Refactoring" {
			assert.Len(t, b.GenreIDs, 2)
			return
		}
	}
	t.Fatal("Refactoring not migrated")
}

func TestEngine_SinceFiltersComments(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{Since: &since}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, run.Stage(domain.StageComments).WriteCount)
	assert.Equal(t, sqlite.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 2}, h.relationalCounts(t))
}

func seedDanglingComments(t *testing.T, h *harness, n int) {
	t.Helper()
	tx, err := h.doc.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Discard()
	for i := range n {
		require.NoError(t, tx.SaveComment(&store.Comment{
			Text:      "orphan",
			CreatedAt: time.Date(2024, 6, 1, i, 0, 0, 0, time.UTC),
			BookID:    "000000000000000000000000",
		}))
	}
	require.NoError(t, tx.Commit())
}

func TestEngine_SkipBudget(t *testing.T) {
	tests := []struct {
		name      string
		skipLimit int
		wantRun   domain.RunStatus
	}{
		{name: "within limit completes", skipLimit: 3, wantRun: domain.RunCompleted},
		{name: "over limit fails", skipLimit: 2, wantRun: domain.RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{ChunkSize: 100, PageSize: 100, SkipLimit: tt.skipLimit, Concurrency: 2})
			h.seedReference(t)
			seedDanglingComments(t, h, 3)

			run, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
			assert.Equal(t, tt.wantRun, run.Status)

			comments := run.Stage(domain.StageComments)
			if tt.wantRun == domain.RunCompleted {
				require.NoError(t, err)
				assert.Equal(t, domain.StageCompleted, comments.State)
				assert.Equal(t, 3, comments.SkipCount)
				assert.Equal(t, 5, comments.WriteCount)
				assert.Equal(t, 8, comments.ReadCount)
				return
			}

			assert.ErrorIs(t, err, ErrSkipLimitExceeded)
			assert.Equal(t, domain.StageFailed, comments.State)
			assert.Contains(t, comments.Error, "skip limit exceeded")
			assert.Equal(t, 0, h.relationalCounts(t).Comments, "the failing chunk is not committed")

			stored, err := h.runs.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunFailed, stored.Status)
		})
	}
}

func TestEngine_RestartResumesFromLastChunk(t *testing.T) {
	opts := Options{ChunkSize: 2, PageSize: 3, SkipLimit: 10, Concurrency: 1}

	clean := newHarness(t, opts)
	clean.seedReference(t)
	_, _, err := clean.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)

	h := newHarness(t, opts)
	_, err = seed.Load(context.Background(), h.doc, seed.Reference())
	require.NoError(t, err)

	// Stop after the authors stage committed its first chunk.
	var polls atomic.Int32
	stop := func() bool { return polls.Add(1) > 1 }

	stopped, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, stop)
	assert.ErrorIs(t, err, ErrRunStopped)
	assert.Equal(t, domain.RunStopped, stopped.Status)

	authors := stopped.Stage(domain.StageAuthors)
	assert.Equal(t, domain.StageStopped, authors.State)
	assert.Equal(t, 2, authors.ReadCount)
	assert.Equal(t, domain.StageNotStarted, stageState(stopped, domain.StageBooks))
	assert.Equal(t, 2, h.relationalCounts(t).Authors)

	resumed, _, err := h.resume(t, stopped.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, resumed.Status)
	assert.Equal(t, stopped.ID, resumed.ResumedFrom)

	// Only the remaining authors were read.
	assert.Equal(t, 4, resumed.Stage(domain.StageAuthors).ReadCount)
	assert.Equal(t, 5, resumed.Stage(domain.StageGenres).ReadCount)

	assert.Equal(t, clean.relationalCounts(t), h.relationalCounts(t))
	assert.Equal(t, clean.relationalKeys(t), h.relationalKeys(t))
}

func TestEngine_RestartSkipsCompletedStages(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)
	seedDanglingComments(t, h, 3)

	h.engine.opts.SkipLimit = 1
	failed, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{TruncateBeforeLoad: true}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, failed.Status)
	assert.Equal(t, domain.StageCompleted, stageState(failed, domain.StageBooks))
	assert.Equal(t, domain.StageFailed, stageState(failed, domain.StageComments))

	// Seed a relational row after the truncate; a repeated truncate would
	// remove it.
	tx, err := h.rel.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.InsertGenre(&sqlite.Genre{Name: "Poetry"}))
	require.NoError(t, tx.Commit())

	h.engine.opts.SkipLimit = 10
	resumed, _, err := h.resume(t, failed.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, resumed.Status)
	assert.Equal(t, failed.Stage(domain.StageAuthors).ReadCount, resumed.Stage(domain.StageAuthors).ReadCount)
	assert.Equal(t, 6, h.relationalCounts(t).Genres)
	assert.Equal(t, 5, h.relationalCounts(t).Comments)
}

func TestEngine_PreconditionFailsBeforeAnyStage(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)
	require.NoError(t, h.rel.Close())

	run, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{TruncateBeforeLoad: true}, nil)
	require.Error(t, err)
	assert.Equal(t, domainerrors.CodePrecondition, domainerrors.CodeOf(err))
	assert.Equal(t, domain.RunFailed, run.Status)
	for _, s := range run.Stages {
		assert.Equal(t, domain.StageNotStarted, s.State, s.Stage)
	}
}

func TestEngine_BooksWithoutUpstreamMappingsAreSkipped(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	st := h.engine.buildStages(domain.PipelineDocumentToRelational, domain.Params{}, identity.New())[domain.StageBooks]
	res, err := st.RunChunk(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 4, res.Read)
	assert.Equal(t, 0, res.Written)
	require.Len(t, res.Skips, 4)
	for _, skip := range res.Skips {
		assert.ErrorIs(t, skip.Err, domainerrors.ErrMissingMapping)
		assert.Equal(t, domain.EntityBook, skip.Entity)
		assert.NotEmpty(t, skip.Key)
		assert.NotEmpty(t, skip.SourceID)
	}
	assert.Equal(t, 0, h.relationalCounts(t).Books)
}

func TestEngine_BooksOverBudgetFailsBeforeWriting(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.seedReference(t)

	st := h.engine.buildStages(domain.PipelineDocumentToRelational, domain.Params{}, identity.New())[domain.StageBooks]
	_, err := st.RunChunk(context.Background(), 10, 3)
	assert.ErrorIs(t, err, ErrSkipLimitExceeded)
}

func TestEngine_RestartWithNewSinceRereadsComments(t *testing.T) {
	h := newHarness(t, Options{ChunkSize: 2, PageSize: 5, SkipLimit: 10, Concurrency: 2})
	h.seedReference(t)
	ctx := context.Background()

	first, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
	require.NoError(t, err)
	require.Equal(t, 5, h.relationalCounts(t).Comments)

	books, err := h.doc.PageBooks(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, books, 1)

	tx, err := h.doc.Begin(ctx)
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, tx.SaveComment(&store.Comment{
			Text:      fmt.Sprintf("follow-up %d", i),
			CreatedAt: time.Date(2030, 1, 2, i, 0, 0, 0, time.UTC),
			BookID:    books[0].ID,
		}))
	}
	require.NoError(t, tx.Commit())

	// Pretend the comments stage stopped after its first page under the
	// unfiltered id sequence.
	stopped := first.Clone()
	stopped.Status = domain.RunStopped
	comments := stopped.Stage(domain.StageComments)
	comments.State = domain.StageStopped
	comments.Position = domain.Position{Page: 1}
	require.NoError(t, h.runs.UpdateRun(ctx, stopped))

	since := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	resumed, _, err := h.resume(t, stopped.ID, &domain.Params{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, resumed.Status)
	require.NotNil(t, resumed.Params.Since)
	assert.True(t, since.Equal(*resumed.Params.Since))

	st := resumed.Stage(domain.StageComments)
	assert.Equal(t, 3, st.ReadCount)
	assert.Equal(t, 3, st.WriteCount)
	assert.Equal(t, 8, h.relationalCounts(t).Comments)
}

// failingStage fails its first chunk with a non-skippable error.
type failingStage struct {
	name   string
	entity domain.Entity
}

func (s failingStage) Name() string { return s.name }

func (s failingStage) Entity() domain.Entity { return s.entity }

func (s failingStage) Seek(domain.Position) {}

func (s failingStage) RunChunk(context.Context, int, int) (ChunkResult, error) {
	return ChunkResult{}, domainerrors.Transient(errors.New("connection reset by peer"), "read "+s.name)
}

func TestEngine_FanOutFailureStopsDownstream(t *testing.T) {
	tests := []struct {
		name    string
		failing string
		entity  domain.Entity
		other   string
	}{
		{name: "authors fail", failing: domain.StageAuthors, entity: domain.EntityAuthor, other: domain.StageGenres},
		{name: "genres fail", failing: domain.StageGenres, entity: domain.EntityGenre, other: domain.StageAuthors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fastOptions())
			h.seedReference(t)
			h.engine.stages = func(pipeline domain.Pipeline, params domain.Params, ids *identity.Store) map[string]Stage {
				stages := h.engine.buildStages(pipeline, params, ids)
				stages[tt.failing] = failingStage{name: tt.failing, entity: tt.entity}
				return stages
			}

			run, _, err := h.start(t, domain.PipelineDocumentToRelational, domain.Params{}, nil)
			require.Error(t, err)
			assert.Equal(t, domainerrors.CodeTransient, domainerrors.CodeOf(err))
			assert.Equal(t, domain.RunFailed, run.Status)

			assert.Equal(t, domain.StageFailed, stageState(run, tt.failing))
			assert.Contains(t, run.Stage(tt.failing).Error, "connection reset by peer")
			assert.Equal(t, domain.StageCompleted, stageState(run, tt.other))
			assert.Equal(t, domain.StageNotStarted, stageState(run, domain.StageBooks))
			assert.Equal(t, domain.StageNotStarted, stageState(run, domain.StageComments))

			counts := h.relationalCounts(t)
			assert.Zero(t, counts.Books)
			assert.Zero(t, counts.Comments)

			stored, err := h.runs.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunFailed, stored.Status)
			assert.Equal(t, domain.StageNotStarted, stageState(stored, domain.StageBooks))
		})
	}
}

// Package domain contains the entity, pipeline and run types shared by the
// bookbridge stores, migration engine and control surface.
package domain

import (
	"fmt"
	"time"
)

// Entity names one of the four migrated entity types.
type Entity string

// Entity types in dependency order.
const (
	EntityAuthor  Entity = "author"
	EntityGenre   Entity = "genre"
	EntityBook    Entity = "book"
	EntityComment Entity = "comment"
)

// Side names the store an id belongs to.
type Side string

// Store sides.
const (
	SideDocument   Side = "document"
	SideRelational Side = "relational"
)

// Pipeline names a migration direction.
type Pipeline string

// Supported pipelines.
const (
	PipelineDocumentToRelational Pipeline = "document-to-relational"
	PipelineRelationalToDocument Pipeline = "relational-to-document"
)

// Pipelines lists every supported pipeline.
func Pipelines() []Pipeline {
	return []Pipeline{PipelineDocumentToRelational, PipelineRelationalToDocument}
}

// ParsePipeline validates a pipeline name.
func ParsePipeline(name string) (Pipeline, error) {
	p := Pipeline(name)
	if !p.Valid() {
		return "", fmt.Errorf("unknown pipeline %q", name)
	}
	return p, nil
}

// Valid reports whether p is a supported pipeline.
func (p Pipeline) Valid() bool {
	return p == PipelineDocumentToRelational || p == PipelineRelationalToDocument
}

// Source returns the side records are read from.
func (p Pipeline) Source() Side {
	if p == PipelineRelationalToDocument {
		return SideRelational
	}
	return SideDocument
}

// Target returns the side records are written to.
func (p Pipeline) Target() Side {
	if p == PipelineRelationalToDocument {
		return SideDocument
	}
	return SideRelational
}

// StageState is the lifecycle state of one stage within a run.
type StageState string

// Stage states. NOT_STARTED -> RUNNING -> COMPLETED | FAILED | STOPPED.
const (
	StageNotStarted StageState = "NOT_STARTED"
	StageRunning    StageState = "RUNNING"
	StageCompleted  StageState = "COMPLETED"
	StageFailed     StageState = "FAILED"
	StageStopped    StageState = "STOPPED"
)

// Terminal reports whether the stage has finished.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageStopped
}

// RunStatus is the overall state of a pipeline run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunStopped   RunStatus = "STOPPED"
)

// Active reports whether the run has not yet finished.
func (s RunStatus) Active() bool {
	return s == RunRunning
}

// Stage names. One stage per entity, plus the optional truncate stage.
const (
	StageTruncate = "truncate"
	StageAuthors  = "authors"
	StageGenres   = "genres"
	StageBooks    = "books"
	StageComments = "comments"
)

// StageNames lists the stages of a pipeline in execution order.
func StageNames(truncate bool) []string {
	names := []string{StageAuthors, StageGenres, StageBooks, StageComments}
	if truncate {
		return append([]string{StageTruncate}, names...)
	}
	return names
}

// Params are the caller-supplied options of a run.
type Params struct {
	// TruncateBeforeLoad clears the target store before any stage writes.
	TruncateBeforeLoad bool `json:"truncate_before_load"`
	// Since restricts the comment stage to comments created at or after it.
	Since *time.Time `json:"since,omitempty"`
	// Seed makes Start idempotent: the same pipeline and seed yield the same run.
	Seed string `json:"seed,omitempty" validate:"omitempty,max=128,printascii"`
}

// Position is a reader's resumable cursor: the page index and the number of
// items of that page already consumed.
type Position struct {
	Page   int `json:"page"`
	Offset int `json:"offset"`
}

// StageExecution is the persisted progress of one stage within a run.
type StageExecution struct {
	Stage      string     `json:"stage"`
	State      StageState `json:"state"`
	ReadCount  int        `json:"read_count"`
	WriteCount int        `json:"write_count"`
	SkipCount  int        `json:"skip_count"`
	Position   Position   `json:"position"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Run is one execution of a pipeline.
type Run struct {
	ID          string           `json:"id"`
	Pipeline    Pipeline         `json:"pipeline"`
	Params      Params           `json:"params"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	ResumedFrom string           `json:"resumed_from,omitempty"`
	Error       string           `json:"error,omitempty"`
	Stages      []StageExecution `json:"stages"`
}

// Stage returns the execution record for name, or nil.
func (r *Run) Stage(name string) *StageExecution {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Totals sums the stage counters.
func (r *Run) Totals() (read, written, skipped int) {
	for _, s := range r.Stages {
		read += s.ReadCount
		written += s.WriteCount
		skipped += s.SkipCount
	}
	return read, written, skipped
}

// NewRun creates a RUNNING run with every stage NOT_STARTED.
func NewRun(id string, pipeline Pipeline, params Params, startedAt time.Time) *Run {
	names := StageNames(params.TruncateBeforeLoad)
	stages := make([]StageExecution, len(names))
	for i, name := range names {
		stages[i] = StageExecution{Stage: name, State: StageNotStarted}
	}
	return &Run{
		ID:        id,
		Pipeline:  pipeline,
		Params:    params,
		Status:    RunRunning,
		StartedAt: startedAt.UTC(),
		Stages:    stages,
	}
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	c := *r
	c.Stages = append([]StageExecution(nil), r.Stages...)
	if r.Params.Since != nil {
		since := *r.Params.Since
		c.Params.Since = &since
	}
	return &c
}

// Resume creates the successor of a failed or stopped run. Completed stages
// stay completed; the others restart from their recorded position with their
// counters carried over. The truncate choice of the original run is kept so a
// completed truncate is never repeated.
//
// Fields left empty in params keep the original values. A different Since is
// only applied while the comments stage has not completed, and it restarts
// that stage from the first page because its recorded position belongs to
// the old filter.
func (r *Run) Resume(id string, params *Params, startedAt time.Time) *Run {
	next := r.Clone()
	next.ID = id
	next.Status = RunRunning
	next.StartedAt = startedAt.UTC()
	next.EndedAt = nil
	next.Error = ""
	next.ResumedFrom = r.ID

	if params != nil {
		if params.Seed != "" {
			next.Params.Seed = params.Seed
		}
		comments := next.Stage(StageComments)
		if params.Since != nil && !sameInstant(params.Since, r.Params.Since) &&
			comments != nil && comments.State != StageCompleted {
			since := params.Since.UTC()
			next.Params.Since = &since
			*comments = StageExecution{Stage: StageComments, State: StageNotStarted}
		}
	}

	for i := range next.Stages {
		s := &next.Stages[i]
		if s.State == StageCompleted {
			continue
		}
		s.State = StageNotStarted
		s.EndedAt = nil
		s.Error = ""
	}
	return next
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

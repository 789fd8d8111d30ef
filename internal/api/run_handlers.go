package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/bookbridge/internal/domain"
)

func (s *Server) registerRunRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "startRun",
		Method:        http.MethodPost,
		Path:          "/api/v1/runs",
		Summary:       "Start run",
		Description:   "Starts a pipeline run in the background. A seeded start returns the existing run for the same pipeline and seed.",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusAccepted,
	}, s.handleStartRun)

	huma.Register(s.api, huma.Operation{
		OperationID: "getRun",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{id}",
		Summary:     "Get run",
		Description: "Returns the status of a run with read, write and skip counters per stage",
		Tags:        []string{"Runs"},
	}, s.handleGetRun)

	huma.Register(s.api, huma.Operation{
		OperationID: "stopRun",
		Method:      http.MethodPost,
		Path:        "/api/v1/runs/{id}/stop",
		Summary:     "Stop run",
		Description: "Asks an active run to stop after its in-flight chunk",
		Tags:        []string{"Runs"},
	}, s.handleStopRun)

	huma.Register(s.api, huma.Operation{
		OperationID:   "restartRun",
		Method:        http.MethodPost,
		Path:          "/api/v1/runs/{id}/restart",
		Summary:       "Restart run",
		Description:   "Resumes a failed or stopped run as a new run, skipping completed stages",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusAccepted,
	}, s.handleRestartRun)

	huma.Register(s.api, huma.Operation{
		OperationID: "listRuns",
		Method:      http.MethodGet,
		Path:        "/api/v1/pipelines/{name}/runs",
		Summary:     "List runs",
		Description: "Returns the most recent runs of a pipeline, newest first",
		Tags:        []string{"Pipelines"},
	}, s.handleListRuns)

	huma.Register(s.api, huma.Operation{
		OperationID: "getLastRun",
		Method:      http.MethodGet,
		Path:        "/api/v1/pipelines/{name}/last-run",
		Summary:     "Get last run",
		Description: "Returns the most recent run of a pipeline",
		Tags:        []string{"Pipelines"},
	}, s.handleLastRun)
}

// StageResponse is the progress of one stage.
type StageResponse struct {
	Stage      string     `json:"stage" doc:"Stage name"`
	State      string     `json:"state" doc:"NOT_STARTED, RUNNING, COMPLETED, FAILED or STOPPED"`
	ReadCount  int        `json:"read_count" doc:"Records read by committed chunks"`
	WriteCount int        `json:"write_count" doc:"Records written by committed chunks"`
	SkipCount  int        `json:"skip_count" doc:"Records skipped by committed chunks"`
	StartedAt  *time.Time `json:"started_at,omitempty" doc:"When the stage first started"`
	EndedAt    *time.Time `json:"ended_at,omitempty" doc:"When the stage reached its last state"`
	Error      string     `json:"error,omitempty" doc:"Failure reason"`
}

// RunResponse is a run with its stages.
type RunResponse struct {
	ID                 string          `json:"id" doc:"Run ID"`
	Pipeline           string          `json:"pipeline" doc:"Pipeline name"`
	Status             string          `json:"status" doc:"RUNNING, COMPLETED, FAILED or STOPPED"`
	TruncateBeforeLoad bool            `json:"truncate_before_load" doc:"Whether the target was truncated first"`
	Since              *time.Time      `json:"since,omitempty" doc:"Comment filter"`
	Seed               string          `json:"seed,omitempty" doc:"Idempotency seed"`
	StartedAt          time.Time       `json:"started_at" doc:"Start time"`
	EndedAt            *time.Time      `json:"ended_at,omitempty" doc:"End time"`
	ResumedFrom        string          `json:"resumed_from,omitempty" doc:"Run this one resumed"`
	Error              string          `json:"error,omitempty" doc:"Failure reason"`
	Stages             []StageResponse `json:"stages" doc:"Stages in execution order"`
}

// RunOutput wraps a run for Huma.
type RunOutput struct {
	Body RunResponse
}

// StartRunRequest is the request body for starting a run.
type StartRunRequest struct {
	Pipeline           string     `json:"pipeline" enum:"document-to-relational,relational-to-document" doc:"Pipeline to run"`
	TruncateBeforeLoad bool       `json:"truncate_before_load,omitempty" doc:"Clear the target store first"`
	Since              *time.Time `json:"since,omitempty" doc:"Only migrate comments created at or after this time"`
	Seed               string     `json:"seed,omitempty" maxLength:"128" doc:"Makes the start idempotent"`
}

// StartRunInput wraps the start request for Huma.
type StartRunInput struct {
	Body StartRunRequest
}

// RunIDResponse carries the id of a started run.
type RunIDResponse struct {
	RunID string `json:"run_id" doc:"Run ID"`
}

// RunIDOutput wraps a run id for Huma.
type RunIDOutput struct {
	Body RunIDResponse
}

// RunPathInput addresses one run.
type RunPathInput struct {
	ID string `path:"id" doc:"Run ID"`
}

// StopRunResponse reports whether the stop request was accepted.
type StopRunResponse struct {
	Accepted bool `json:"accepted" doc:"False when the run is not active in this process"`
}

// StopRunOutput wraps the stop response for Huma.
type StopRunOutput struct {
	Body StopRunResponse
}

// RestartRunRequest optionally overrides parameters of the restarted run.
type RestartRunRequest struct {
	Since *time.Time `json:"since,omitempty" doc:"Replaces the comment filter while the comments stage has not completed; omitted keeps the original"`
	Seed  string     `json:"seed,omitempty" maxLength:"128" doc:"Replaces the idempotency seed; omitted keeps the original"`
}

// RestartRunInput wraps the restart request for Huma.
type RestartRunInput struct {
	ID   string             `path:"id" doc:"Run ID"`
	Body *RestartRunRequest `required:"false"`
}

// ListRunsInput selects the runs of a pipeline.
type ListRunsInput struct {
	Name  string `path:"name" doc:"Pipeline name"`
	Limit int    `query:"limit" default:"20" minimum:"1" maximum:"500" doc:"Maximum number of runs"`
}

// ListRunsResponse lists runs newest first.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs" doc:"Runs, newest first"`
}

// ListRunsOutput wraps the run list for Huma.
type ListRunsOutput struct {
	Body ListRunsResponse
}

// PipelinePathInput addresses one pipeline.
type PipelinePathInput struct {
	Name string `path:"name" doc:"Pipeline name"`
}

func (s *Server) handleStartRun(ctx context.Context, input *StartRunInput) (*RunIDOutput, error) {
	params := domain.Params{
		TruncateBeforeLoad: input.Body.TruncateBeforeLoad,
		Since:              input.Body.Since,
		Seed:               input.Body.Seed,
	}

	runID, err := s.control.Start(ctx, input.Body.Pipeline, params)
	if err != nil {
		return nil, err
	}
	return &RunIDOutput{Body: RunIDResponse{RunID: runID}}, nil
}

func (s *Server) handleGetRun(ctx context.Context, input *RunPathInput) (*RunOutput, error) {
	run, err := s.control.Status(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &RunOutput{Body: toRunResponse(run)}, nil
}

func (s *Server) handleStopRun(_ context.Context, input *RunPathInput) (*StopRunOutput, error) {
	return &StopRunOutput{Body: StopRunResponse{Accepted: s.control.Stop(input.ID)}}, nil
}

func (s *Server) handleRestartRun(ctx context.Context, input *RestartRunInput) (*RunIDOutput, error) {
	var params *domain.Params
	if input.Body != nil {
		params = &domain.Params{Since: input.Body.Since, Seed: input.Body.Seed}
	}

	runID, err := s.control.Restart(ctx, input.ID, params)
	if err != nil {
		return nil, err
	}
	return &RunIDOutput{Body: RunIDResponse{RunID: runID}}, nil
}

func (s *Server) handleListRuns(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
	runs, err := s.control.ListRuns(ctx, input.Name, input.Limit)
	if err != nil {
		return nil, err
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = toRunResponse(run)
	}
	return &ListRunsOutput{Body: resp}, nil
}

func (s *Server) handleLastRun(ctx context.Context, input *PipelinePathInput) (*RunOutput, error) {
	run, err := s.control.LastRun(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	return &RunOutput{Body: toRunResponse(run)}, nil
}

func toRunResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		ID:                 run.ID,
		Pipeline:           string(run.Pipeline),
		Status:             string(run.Status),
		TruncateBeforeLoad: run.Params.TruncateBeforeLoad,
		Since:              run.Params.Since,
		Seed:               run.Params.Seed,
		StartedAt:          run.StartedAt,
		EndedAt:            run.EndedAt,
		ResumedFrom:        run.ResumedFrom,
		Error:              run.Error,
		Stages:             make([]StageResponse, len(run.Stages)),
	}
	for i, st := range run.Stages {
		resp.Stages[i] = StageResponse{
			Stage:      st.Stage,
			State:      string(st.State),
			ReadCount:  st.ReadCount,
			WriteCount: st.WriteCount,
			SkipCount:  st.SkipCount,
			StartedAt:  st.StartedAt,
			EndedAt:    st.EndedAt,
			Error:      st.Error,
		}
	}
	return resp
}

package models

import "time"

// RunState represents the process-wide pipeline state
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateRunning RunState = "running"
)

// RunResult records how a finished run ended
type RunResult string

const (
	RunResultCompleted RunResult = "completed"
	RunResultFailed    RunResult = "failed"
)

// Run is the in-memory record of one pipeline execution, from trigger
// acceptance to guard release. Runs are not persisted across restarts.
type Run struct {
	ID          string       `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Result      RunResult    `json:"result,omitempty"`
	FailedStep  PipelineStep `json:"failed_step,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Finished reports whether the run has reached a terminal result
func (r *Run) Finished() bool {
	return r.CompletedAt != nil
}

// Duration returns the wall-clock time of the run, zero while in flight
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// MarkCompleted stamps the run as successfully finished
func (r *Run) MarkCompleted(at time.Time) {
	r.CompletedAt = &at
	r.Result = RunResultCompleted
}

// MarkFailed stamps the run as failed at the given step
func (r *Run) MarkFailed(at time.Time, step PipelineStep, err error) {
	r.CompletedAt = &at
	r.Result = RunResultFailed
	r.FailedStep = step
	if err != nil {
		r.Error = err.Error()
	}
}

package models

import (
	"time"
)

// JobStatus represents the status of a compute job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// ComputeTargetServerless asks the executor to size the run from host
// capabilities instead of a named compute pool.
const ComputeTargetServerless = "serverless"

// Input is a single named job input: either a literal value or a reference to
// external data. Exactly one of the two fields is set.
type Input struct {
	Literal string `json:"literal,omitempty"`
	DataRef string `json:"data_ref,omitempty"`
}

// IsRef reports whether the input points at external data.
func (in Input) IsRef() bool {
	return in.DataRef != ""
}

// JobSpec is the declarative submission spec for a training job.
type JobSpec struct {
	CodeRef       string           `json:"code_ref"`              // e.g. "./src"
	Command       string           `json:"command"`               // template with ${{inputs.<name>}} placeholders
	Inputs        map[string]Input `json:"inputs,omitempty"`      // input name -> literal or data ref
	Environment   string           `json:"environment,omitempty"` // environment reference
	ComputeTarget string           `json:"compute_target,omitempty"`
	ModelName     string           `json:"model_name,omitempty"` // logical name the artifact will register under
}

// Job tracks the lifecycle of one compute job from submission to a terminal
// state. Mutated only by executor status callbacks; immutable once terminal.
type Job struct {
	ID          string     `json:"id"`
	Spec        JobSpec    `json:"spec"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ArtifactRef string     `json:"artifact_ref,omitempty"` // set only on completed
	Error       string     `json:"error,omitempty"`
}

package executor

import (
	"github.com/modelmux/modelmux/pkg/models"
)

// RunRequest carries everything the executor needs to run a training job.
// Inputs arrive already resolved: the ledger substitutes template placeholders
// before handing the job over.
type RunRequest struct {
	JobID          string
	CodeRef        string
	Command        string // command line with inputs substituted
	ResolvedInputs map[string]string
	Environment    string
	ComputeTarget  string
	ModelName      string
}

// StatusUpdate is an asynchronous status callback from the executor. On
// completed it carries the result artifact reference; on failed it carries
// the upstream diagnostic text unchanged.
type StatusUpdate struct {
	JobID       string
	Status      models.JobStatus
	ArtifactRef string
	Diagnostic  string
}

// Listener receives executor status callbacks. Callbacks for a single job
// arrive in order; callbacks for different jobs may interleave.
type Listener func(update StatusUpdate)

// Executor runs training jobs on a compute pool. Run returns as soon as the
// job is accepted; progress is reported through the registered listener.
// Cancel is advisory: a job past its point of no return completes normally.
type Executor interface {
	Run(req RunRequest) error
	Cancel(jobID string) error
	Subscribe(l Listener)
}

package ledger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/executor"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// placeholderPattern matches ${{inputs.<name>}} in a command template
var placeholderPattern = regexp.MustCompile(`\$\{\{\s*inputs\.([A-Za-z0-9_]+)\s*\}\}`)

// Ledger owns the job lifecycle: it validates and persists submissions, hands
// them to the executor, and applies executor status callbacks to the store.
// It is the only writer of job state.
type Ledger struct {
	store store.Store
	exec  executor.Executor

	mu      sync.Mutex
	waiters map[string]chan struct{} // closed when the job reaches a terminal state
}

// New creates a ledger and subscribes it to executor callbacks.
func New(s store.Store, exec executor.Executor) *Ledger {
	l := &Ledger{
		store:   s,
		exec:    exec,
		waiters: make(map[string]chan struct{}),
	}
	exec.Subscribe(l.onStatus)
	return l
}

// Submit validates the spec, persists the job as Queued and hands it to the
// executor. The returned id is usable immediately with Get, Await and Cancel.
func (l *Ledger) Submit(ctx context.Context, spec models.JobSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	resolved := resolveInputs(spec.Inputs)
	command := substituteInputs(spec.Command, resolved)

	job := &models.Job{
		ID:          uuid.New().String(),
		Spec:        spec,
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now(),
	}

	if err := l.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	req := executor.RunRequest{
		JobID:          job.ID,
		CodeRef:        spec.CodeRef,
		Command:        command,
		ResolvedInputs: resolved,
		Environment:    spec.Environment,
		ComputeTarget:  spec.ComputeTarget,
		ModelName:      spec.ModelName,
	}
	if err := l.exec.Run(req); err != nil {
		// The job exists but will never run; record the failure through the
		// normal callback path so waiters are released.
		l.onStatus(executor.StatusUpdate{
			JobID:      job.ID,
			Status:     models.JobStatusFailed,
			Diagnostic: err.Error(),
		})
		return "", errdefs.Execution(job.ID, err.Error(), "executor rejected job")
	}

	log.Info().
		Str("job_id", job.ID).
		Str("command", command).
		Str("compute", spec.ComputeTarget).
		Msg("Job submitted")
	return job.ID, nil
}

// Get retrieves a job by id.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := l.store.GetJob(id)
	if err == store.ErrJobNotFound {
		return nil, errdefs.NotFound(id, "job not found")
	}
	return job, err
}

// List returns all jobs, oldest first.
func (l *Ledger) List(ctx context.Context) ([]*models.Job, error) {
	return l.store.GetAllJobs()
}

// Await blocks until the job reaches a terminal state, the timeout elapses or
// ctx is canceled. The job may still complete after a Timeout error.
func (l *Ledger) Await(ctx context.Context, id string, timeout time.Duration) (*models.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Grab the done channel before reading state so a callback landing
		// in between cannot be missed.
		done := l.doneChan(id)

		job, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalStatus(job.Status) {
			return job, nil
		}

		select {
		case <-done:
			// terminal callback landed; re-read and return
		case <-timer.C:
			return nil, errdefs.Timeout(id, "job did not finish within %s", timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel requests cancellation. Advisory: the job moves to Canceled only when
// the executor acknowledges; a job already terminal is a conflict.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	job, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(job.Status) {
		return errdefs.Conflict(id, "job is already %s", job.Status)
	}
	return l.exec.Cancel(id)
}

// onStatus applies an executor callback to the store and releases waiters on
// terminal states.
func (l *Ledger) onStatus(u executor.StatusUpdate) {
	err := l.store.UpdateJobStatus(u.JobID, u.Status, u.ArtifactRef, u.Diagnostic)
	if err == store.ErrInvalidTransition {
		// Late or duplicate callback racing a terminal write; the first
		// terminal state wins and the record stays immutable.
		log.Warn().
			Str("job_id", u.JobID).
			Str("status", string(u.Status)).
			Msg("Dropped out-of-order status callback")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", u.JobID).Msg("Failed to persist status callback")
		return
	}

	if models.IsTerminalStatus(u.Status) {
		l.mu.Lock()
		if ch, ok := l.waiters[u.JobID]; ok {
			close(ch)
			delete(l.waiters, u.JobID)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) doneChan(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[id]
	if !ok {
		ch = make(chan struct{})
		l.waiters[id] = ch
	}
	return ch
}

// validateSpec rejects malformed submissions before any state changes.
func validateSpec(spec models.JobSpec) error {
	if spec.Command == "" {
		return errdefs.Validation("", "command is required")
	}
	if spec.CodeRef == "" {
		return errdefs.Validation("", "code ref is required")
	}

	for name, in := range spec.Inputs {
		if in.Literal != "" && in.DataRef != "" {
			return errdefs.Validation("", "input %q sets both a literal and a data ref", name)
		}
	}

	// Every placeholder in the command must name a declared input
	for _, m := range placeholderPattern.FindAllStringSubmatch(spec.Command, -1) {
		if _, ok := spec.Inputs[m[1]]; !ok {
			return errdefs.Validation("", "command references undeclared input %q", m[1])
		}
	}
	return nil
}

func resolveInputs(inputs map[string]models.Input) map[string]string {
	resolved := make(map[string]string, len(inputs))
	for name, in := range inputs {
		if in.IsRef() {
			resolved[name] = in.DataRef
		} else {
			resolved[name] = in.Literal
		}
	}
	return resolved
}

func substituteInputs(command string, resolved map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(command, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return strings.TrimSpace(resolved[name])
	})
}

package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/retry"
	"github.com/modelmux/modelmux/pkg/serving"
)

const (
	defaultQueueDepth = 256

	// memory budget per concurrent training run when sizing the pool
	bytesPerWorker = 512 * 1024 * 1024
)

// LocalExecutor runs training jobs on an in-process worker pool. The pool is
// sized from host capabilities unless overridden, so a "serverless" compute
// target degrades gracefully on small hosts.
type LocalExecutor struct {
	artifacts  artifact.Store
	queue      chan RunRequest
	trainDelay time.Duration
	workers    int

	mu        sync.Mutex
	listeners []Listener
	canceled  map[string]bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// Option configures a LocalExecutor
type Option func(*LocalExecutor)

// WithWorkers overrides the probed worker count
func WithWorkers(n int) Option {
	return func(e *LocalExecutor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTrainDelay sets the simulated training duration per job
func WithTrainDelay(d time.Duration) Option {
	return func(e *LocalExecutor) {
		e.trainDelay = d
	}
}

// NewLocalExecutor creates and starts the executor. Call Stop to drain it.
func NewLocalExecutor(artifacts artifact.Store, opts ...Option) *LocalExecutor {
	e := &LocalExecutor{
		artifacts:  artifacts,
		queue:      make(chan RunRequest, defaultQueueDepth),
		trainDelay: 2 * time.Second,
		canceled:   make(map[string]bool),
		stopped:    make(chan struct{}),
		workers:    probeWorkers(),
	}
	for _, opt := range opts {
		opt(e)
	}

	log.Info().Int("workers", e.workers).Msg("Starting local executor pool")
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// probeWorkers sizes the pool from host CPU and memory. Falls back to
// runtime.NumCPU when the probe fails.
func probeWorkers() int {
	workers, err := cpu.Counts(true)
	if err != nil || workers < 1 {
		workers = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		if byMem := int(vm.Total / bytesPerWorker); byMem > 0 && byMem < workers {
			workers = byMem
		}
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Run accepts a job for asynchronous execution. It returns an error only when
// the executor cannot accept the job at all; execution outcomes arrive through
// status callbacks.
func (e *LocalExecutor) Run(req RunRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	select {
	case <-e.stopped:
		return fmt.Errorf("executor is stopped")
	default:
	}

	select {
	case e.queue <- req:
		log.Debug().Str("job_id", req.JobID).Str("compute", req.ComputeTarget).Msg("Job queued on executor")
		return nil
	default:
		return fmt.Errorf("executor queue is full")
	}
}

// Cancel requests cancellation of a job. Best effort: the request is honored
// at the next scheduling point, and a job past that completes normally.
func (e *LocalExecutor) Cancel(jobID string) error {
	e.mu.Lock()
	e.canceled[jobID] = true
	e.mu.Unlock()
	log.Info().Str("job_id", jobID).Msg("Cancellation requested")
	return nil
}

// Subscribe registers a status listener. Must be called before Run for the
// listener to observe every callback.
func (e *LocalExecutor) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Stop drains the pool. Queued jobs that have not started are abandoned.
func (e *LocalExecutor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
	e.wg.Wait()
}

func (e *LocalExecutor) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopped:
			return
		case req := <-e.queue:
			e.runJob(id, req)
		}
	}
}

func (e *LocalExecutor) runJob(workerID int, req RunRequest) {
	// A panic in a simulated run must not take the pool down; surface it as a
	// job failure instead.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", req.JobID).Interface("panic", r).Msg("Job panicked")
			e.emit(StatusUpdate{
				JobID:      req.JobID,
				Status:     models.JobStatusFailed,
				Diagnostic: fmt.Sprintf("executor panic: %v", r),
			})
		}
		e.clearCancel(req.JobID)
	}()

	// First scheduling point: cancel before the job ever starts
	if e.isCanceled(req.JobID) {
		e.emit(StatusUpdate{JobID: req.JobID, Status: models.JobStatusCanceled})
		return
	}

	log.Info().
		Str("job_id", req.JobID).
		Int("worker", workerID).
		Str("command", req.Command).
		Msg("Job started")
	e.emit(StatusUpdate{JobID: req.JobID, Status: models.JobStatusRunning})

	if canceled := e.train(req); canceled {
		log.Info().Str("job_id", req.JobID).Msg("Job canceled mid-run")
		e.emit(StatusUpdate{JobID: req.JobID, Status: models.JobStatusCanceled})
		return
	}

	model := serving.TrainLinearModel(req.ModelName, req.ResolvedInputs)
	payload, err := model.Marshal()
	if err != nil {
		e.emit(StatusUpdate{
			JobID:      req.JobID,
			Status:     models.JobStatusFailed,
			Diagnostic: fmt.Sprintf("failed to serialize model: %v", err),
		})
		return
	}

	// Uploads cross a collaborator boundary; transient failures retry here
	var ref artifact.Ref
	err = retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		var storeErr error
		ref, storeErr = e.artifacts.Store(context.Background(), payload)
		return storeErr
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", req.JobID).Msg("Artifact upload failed")
		e.emit(StatusUpdate{
			JobID:      req.JobID,
			Status:     models.JobStatusFailed,
			Diagnostic: fmt.Sprintf("artifact upload failed: %v", err),
		})
		return
	}

	log.Info().Str("job_id", req.JobID).Str("artifact", string(ref)).Msg("Job completed")
	e.emit(StatusUpdate{
		JobID:       req.JobID,
		Status:      models.JobStatusCompleted,
		ArtifactRef: string(ref),
	})
}

// train simulates the training run in slices, checking for cancellation
// between slices. Returns true when the run was canceled.
func (e *LocalExecutor) train(req RunRequest) bool {
	if e.trainDelay <= 0 {
		return e.isCanceled(req.JobID)
	}

	const slices = 4
	tick := e.trainDelay / slices
	for i := 0; i < slices; i++ {
		if e.isCanceled(req.JobID) {
			return true
		}
		select {
		case <-e.stopped:
			return true
		case <-time.After(tick):
		}
	}
	return e.isCanceled(req.JobID)
}

func (e *LocalExecutor) isCanceled(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled[jobID]
}

func (e *LocalExecutor) clearCancel(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.canceled, jobID)
}

func (e *LocalExecutor) emit(update StatusUpdate) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l(update)
	}
}

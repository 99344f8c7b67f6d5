package store

import (
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	jobs     map[string]*models.Job
	versions map[string][]*models.ModelRecord // model name -> versions ascending
	jobsMu   sync.RWMutex
	modelsMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		versions: make(map[string][]*models.ModelRecord),
	}
}

// Job operations

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// GetAllJobs returns all jobs
func (s *MemoryStore) GetAllJobs() ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

// UpdateJobStatus applies a status transition with its side effects:
// StartedAt on running, EndedAt on terminal, artifact ref only on completed.
func (s *MemoryStore) UpdateJobStatus(id string, status models.JobStatus, artifactRef, errMsg string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := models.ValidateJobTransition(job.Status, status); err != nil {
		return ErrInvalidTransition
	}

	now := time.Now()
	job.Status = status
	switch {
	case status == models.JobStatusRunning:
		job.StartedAt = &now
	case models.IsTerminalStatus(status):
		job.EndedAt = &now
	}
	if status == models.JobStatusCompleted {
		job.ArtifactRef = artifactRef
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	return nil
}

// Model version operations

// InsertModelVersion appends an immutable model version record
func (s *MemoryStore) InsertModelVersion(rec *models.ModelRecord) error {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()

	for _, existing := range s.versions[rec.Name] {
		if existing.Version == rec.Version {
			return ErrDuplicateModelVersion
		}
	}
	cp := *rec
	s.versions[rec.Name] = append(s.versions[rec.Name], &cp)
	return nil
}

// GetModelVersion retrieves one version of a model
func (s *MemoryStore) GetModelVersion(name string, version int) (*models.ModelRecord, error) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()

	for _, rec := range s.versions[name] {
		if rec.Version == version {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrModelNotFound
}

// LatestModelVersion returns the record with the maximum version for name
func (s *MemoryStore) LatestModelVersion(name string) (*models.ModelRecord, error) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()

	recs := s.versions[name]
	if len(recs) == 0 {
		return nil, ErrModelNotFound
	}
	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.Version > latest.Version {
			latest = rec
		}
	}
	cp := *latest
	return &cp, nil
}

// MaxModelVersion returns the highest version for name, 0 when unknown
func (s *MemoryStore) MaxModelVersion(name string) (int, error) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()

	max := 0
	for _, rec := range s.versions[name] {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max, nil
}

// ListModelVersions returns all versions for name, ascending
func (s *MemoryStore) ListModelVersions(name string) ([]*models.ModelRecord, error) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()

	recs := make([]*models.ModelRecord, 0, len(s.versions[name]))
	for _, rec := range s.versions[name] {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Version < recs[j].Version })
	return recs, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

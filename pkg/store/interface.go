package store

import (
	"errors"

	"github.com/modelmux/modelmux/pkg/models"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrModelNotFound         = errors.New("model not found")
	ErrDuplicateModelVersion = errors.New("model version already exists")
	ErrInvalidTransition     = errors.New("invalid job status transition")
)

// Store defines the interface for job and model-version persistence.
// Memory, SQLite and PostgreSQL implement this interface.
//
// UpdateJobStatus enforces the job FSM: an update that is not a valid
// transition fails with ErrInvalidTransition and changes nothing. Callers
// serialize registrations of the same model name themselves; the store only
// guarantees that duplicate (name, version) pairs are rejected.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() ([]*models.Job, error)
	UpdateJobStatus(id string, status models.JobStatus, artifactRef, errMsg string) error

	// Model version operations (append-only)
	InsertModelVersion(rec *models.ModelRecord) error
	GetModelVersion(name string, version int) (*models.ModelRecord, error)
	LatestModelVersion(name string) (*models.ModelRecord, error)
	MaxModelVersion(name string) (int, error) // 0 when the name is unknown
	ListModelVersions(name string) ([]*models.ModelRecord, error)

	Close() error
}

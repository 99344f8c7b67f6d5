package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/modelmux/modelmux/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string for concurrent access:
	// WAL journal, 10s busy timeout, immediate tx lock to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		artifact_ref TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS model_versions (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		artifact_ref TEXT NOT NULL,
		source_job_id TEXT,
		registered_at DATETIME NOT NULL,
		PRIMARY KEY (name, version)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Job operations

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, spec, status, submitted_at, started_at, ended_at, artifact_ref, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(spec), job.Status, job.SubmittedAt, job.StartedAt, job.EndedAt,
		job.ArtifactRef, job.Error)

	return err
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, spec, status, submitted_at, started_at, ended_at, artifact_ref, error
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// GetAllJobs returns all jobs, oldest first
func (s *SQLiteStore) GetAllJobs() ([]*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, spec, status, submitted_at, started_at, ended_at, artifact_ref, error
		FROM jobs ORDER BY submitted_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus applies a status transition inside a transaction so the FSM
// check and the write commit together.
func (s *SQLiteStore) UpdateJobStatus(id string, status models.JobStatus, artifactRef, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if err := models.ValidateJobTransition(current, status); err != nil {
		return ErrInvalidTransition
	}

	now := time.Now()
	var sets []string
	args := []interface{}{}

	sets = append(sets, "status = ?")
	args = append(args, status)
	if status == models.JobStatusRunning {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if models.IsTerminalStatus(status) {
		sets = append(sets, "ended_at = ?")
		args = append(args, now)
	}
	if status == models.JobStatusCompleted {
		sets = append(sets, "artifact_ref = ?")
		args = append(args, artifactRef)
	}
	if errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, errMsg)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// Model version operations

// InsertModelVersion appends an immutable model version record
func (s *SQLiteStore) InsertModelVersion(rec *models.ModelRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO model_versions (name, version, artifact_ref, source_job_id, registered_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Name, rec.Version, rec.ArtifactRef, rec.SourceJobID, rec.RegisteredAt)

	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateModelVersion
	}
	return err
}

// GetModelVersion retrieves one version of a model
func (s *SQLiteStore) GetModelVersion(name string, version int) (*models.ModelRecord, error) {
	row := s.db.QueryRow(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = ? AND version = ?
	`, name, version)
	return scanModelVersion(row)
}

// LatestModelVersion returns the record with the maximum version for name
func (s *SQLiteStore) LatestModelVersion(name string) (*models.ModelRecord, error) {
	row := s.db.QueryRow(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = ? ORDER BY version DESC LIMIT 1
	`, name)
	return scanModelVersion(row)
}

// MaxModelVersion returns the highest version for name, 0 when unknown
func (s *SQLiteStore) MaxModelVersion(name string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(version) FROM model_versions WHERE name = ?
	`, name).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// ListModelVersions returns all versions for name, ascending
func (s *SQLiteStore) ListModelVersions(name string) ([]*models.ModelRecord, error) {
	rows, err := s.db.Query(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = ? ORDER BY version
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.ModelRecord
	for rows.Next() {
		rec, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var specJSON string
	var startedAt, endedAt sql.NullTime
	var artifactRef, errMsg sql.NullString

	err := row.Scan(&job.ID, &specJSON, &job.Status, &job.SubmittedAt,
		&startedAt, &endedAt, &artifactRef, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		job.EndedAt = &endedAt.Time
	}
	job.ArtifactRef = artifactRef.String
	job.Error = errMsg.String

	return &job, nil
}

func scanModelVersion(row scanner) (*models.ModelRecord, error) {
	var rec models.ModelRecord
	var sourceJobID sql.NullString

	err := row.Scan(&rec.Name, &rec.Version, &rec.ArtifactRef, &sourceJobID, &rec.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.SourceJobID = sourceJobID.String

	return &rec, nil
}

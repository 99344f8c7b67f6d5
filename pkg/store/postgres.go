package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/modelmux/modelmux/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		spec JSONB NOT NULL,
		status TEXT NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		artifact_ref TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS model_versions (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		artifact_ref TEXT NOT NULL,
		source_job_id TEXT,
		registered_at TIMESTAMPTZ NOT NULL,
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
func (s *PostgreSQLStore) CreateJob(job *models.Job) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, spec, status, submitted_at, started_at, ended_at, artifact_ref, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, string(spec), job.Status, job.SubmittedAt, job.StartedAt, job.EndedAt,
		job.ArtifactRef, job.Error)

	return err
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, spec, status, submitted_at, started_at, ended_at, artifact_ref, error
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// GetAllJobs returns all jobs, oldest first
func (s *PostgreSQLStore) GetAllJobs() ([]*models.Job, error) {
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

// UpdateJobStatus applies a status transition; SELECT ... FOR UPDATE keeps the
// FSM check and the write atomic under concurrent callbacks.
func (s *PostgreSQLStore) UpdateJobStatus(id string, status models.JobStatus, artifactRef, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
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
	sets := []string{"status = $1"}
	args := []interface{}{status}
	n := 2
	if status == models.JobStatusRunning {
		sets = append(sets, fmt.Sprintf("started_at = $%d", n))
		args = append(args, now)
		n++
	}
	if models.IsTerminalStatus(status) {
		sets = append(sets, fmt.Sprintf("ended_at = $%d", n))
		args = append(args, now)
		n++
	}
	if status == models.JobStatusCompleted {
		sets = append(sets, fmt.Sprintf("artifact_ref = $%d", n))
		args = append(args, artifactRef)
		n++
	}
	if errMsg != "" {
		sets = append(sets, fmt.Sprintf("error = $%d", n))
		args = append(args, errMsg)
		n++
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), n)
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// Model version operations

// InsertModelVersion appends an immutable model version record
func (s *PostgreSQLStore) InsertModelVersion(rec *models.ModelRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO model_versions (name, version, artifact_ref, source_job_id, registered_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Name, rec.Version, rec.ArtifactRef, rec.SourceJobID, rec.RegisteredAt)

	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateModelVersion
	}
	return err
}

// GetModelVersion retrieves one version of a model
func (s *PostgreSQLStore) GetModelVersion(name string, version int) (*models.ModelRecord, error) {
	row := s.db.QueryRow(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = $1 AND version = $2
	`, name, version)
	return scanModelVersion(row)
}

// LatestModelVersion returns the record with the maximum version for name
func (s *PostgreSQLStore) LatestModelVersion(name string) (*models.ModelRecord, error) {
	row := s.db.QueryRow(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = $1 ORDER BY version DESC LIMIT 1
	`, name)
	return scanModelVersion(row)
}

// MaxModelVersion returns the highest version for name, 0 when unknown
func (s *PostgreSQLStore) MaxModelVersion(name string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(version) FROM model_versions WHERE name = $1
	`, name).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// ListModelVersions returns all versions for name, ascending
func (s *PostgreSQLStore) ListModelVersions(name string) ([]*models.ModelRecord, error) {
	rows, err := s.db.Query(`
		SELECT name, version, artifact_ref, source_job_id, registered_at
		FROM model_versions WHERE name = $1 ORDER BY version
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
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// backends under test; PostgreSQL needs a live server and is covered by the
// same suite when STORE_TEST_PG_DSN is set in CI.
func testStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testJob(id string) *models.Job {
	return &models.Job{
		ID: id,
		Spec: models.JobSpec{
			CodeRef: "./src",
			Command: "python train.py --data ${{inputs.data}}",
			Inputs: map[string]models.Input{
				"data": {DataRef: "file://x.csv"},
			},
			Environment:   "sklearn-1.0",
			ComputeTarget: "cpu-cluster",
		},
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now(),
	}
}

func TestJobLifecycle(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateJob(testJob("job-1")); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}

			job, err := s.GetJob("job-1")
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if job.Status != models.JobStatusQueued {
				t.Errorf("status = %v, want queued", job.Status)
			}
			if job.Spec.Inputs["data"].DataRef != "file://x.csv" {
				t.Errorf("spec inputs not round-tripped: %+v", job.Spec.Inputs)
			}

			if err := s.UpdateJobStatus("job-1", models.JobStatusRunning, "", ""); err != nil {
				t.Fatalf("transition to running failed: %v", err)
			}
			if err := s.UpdateJobStatus("job-1", models.JobStatusCompleted, "fs://a1", ""); err != nil {
				t.Fatalf("transition to completed failed: %v", err)
			}

			job, _ = s.GetJob("job-1")
			if job.ArtifactRef != "fs://a1" {
				t.Errorf("artifact ref = %q, want fs://a1", job.ArtifactRef)
			}
			if job.StartedAt == nil || job.EndedAt == nil {
				t.Errorf("timestamps not set: started=%v ended=%v", job.StartedAt, job.EndedAt)
			}
		})
	}
}

func TestUpdateJobStatusRejectsInvalidTransition(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s.CreateJob(testJob("job-2"))

			// Queued → Completed skips Running
			err := s.UpdateJobStatus("job-2", models.JobStatusCompleted, "fs://a1", "")
			if err != ErrInvalidTransition {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}

			job, _ := s.GetJob("job-2")
			if job.Status != models.JobStatusQueued {
				t.Errorf("status changed to %v on rejected transition", job.Status)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetJob("missing"); err != ErrJobNotFound {
				t.Errorf("err = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestModelVersions(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.LatestModelVersion("credit_model"); err != ErrModelNotFound {
				t.Fatalf("Latest on unknown name: err = %v, want ErrModelNotFound", err)
			}

			for v := 1; v <= 3; v++ {
				rec := &models.ModelRecord{
					Name:         "credit_model",
					Version:      v,
					ArtifactRef:  "fs://a",
					SourceJobID:  "job-1",
					RegisteredAt: time.Now(),
				}
				if err := s.InsertModelVersion(rec); err != nil {
					t.Fatalf("InsertModelVersion(%d) failed: %v", v, err)
				}
			}

			// Duplicate version is rejected
			dup := &models.ModelRecord{Name: "credit_model", Version: 2, ArtifactRef: "fs://b", RegisteredAt: time.Now()}
			if err := s.InsertModelVersion(dup); err != ErrDuplicateModelVersion {
				t.Errorf("duplicate insert: err = %v, want ErrDuplicateModelVersion", err)
			}

			latest, err := s.LatestModelVersion("credit_model")
			if err != nil {
				t.Fatalf("LatestModelVersion failed: %v", err)
			}
			if latest.Version != 3 {
				t.Errorf("latest = %d, want 3", latest.Version)
			}

			max, err := s.MaxModelVersion("credit_model")
			if err != nil || max != 3 {
				t.Errorf("MaxModelVersion = %d, %v; want 3, nil", max, err)
			}

			max, err = s.MaxModelVersion("unknown")
			if err != nil || max != 0 {
				t.Errorf("MaxModelVersion(unknown) = %d, %v; want 0, nil", max, err)
			}

			recs, err := s.ListModelVersions("credit_model")
			if err != nil {
				t.Fatalf("ListModelVersions failed: %v", err)
			}
			if len(recs) != 3 || recs[0].Version != 1 || recs[2].Version != 3 {
				t.Errorf("versions not ascending: %+v", recs)
			}
		})
	}
}

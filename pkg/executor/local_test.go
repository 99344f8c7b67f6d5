package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/serving"
)

// collector records callbacks per job and signals terminal states
type collector struct {
	updates chan StatusUpdate
}

func newCollector() *collector {
	return &collector{updates: make(chan StatusUpdate, 64)}
}

func (c *collector) listen(u StatusUpdate) {
	c.updates <- u
}

// awaitTerminal drains updates for jobID until a terminal status arrives
func (c *collector) awaitTerminal(t *testing.T, jobID string) []StatusUpdate {
	t.Helper()
	var seen []StatusUpdate
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-c.updates:
			if u.JobID != jobID {
				continue
			}
			seen = append(seen, u)
			if models.IsTerminalStatus(u.Status) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to finish, saw %+v", jobID, seen)
		}
	}
}

func TestRunProducesScoreableArtifact(t *testing.T) {
	store := artifact.NewFSStore(t.TempDir())
	exec := NewLocalExecutor(store, WithWorkers(2), WithTrainDelay(0))
	defer exec.Stop()

	c := newCollector()
	exec.Subscribe(c.listen)

	err := exec.Run(RunRequest{
		JobID:     "job-1",
		CodeRef:   "./src",
		Command:   "python train.py --data file://x.csv",
		ResolvedInputs: map[string]string{
			"data":             "file://x.csv",
			"test_train_ratio": "0.2",
		},
		Environment:   "sklearn-1.0",
		ComputeTarget: "cpu-cluster",
		ModelName:     "credit_model",
	})
	require.NoError(t, err)

	seen := c.awaitTerminal(t, "job-1")
	require.Len(t, seen, 2)
	assert.Equal(t, models.JobStatusRunning, seen[0].Status)
	assert.Equal(t, models.JobStatusCompleted, seen[1].Status)
	require.NotEmpty(t, seen[1].ArtifactRef)

	// The artifact must load as a model and score a request
	data, err := store.Fetch(context.Background(), artifact.Ref(seen[1].ArtifactRef))
	require.NoError(t, err)
	model, err := serving.UnmarshalModel(data)
	require.NoError(t, err)
	assert.Equal(t, "credit_model", model.ModelName)

	resp, err := model.Score(&models.ScoreRequest{
		Columns: []string{"data", "test_train_ratio"},
		Data:    [][]interface{}{{1.0, 0.2}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp), "predictions")
}

func TestCancelBeforeStart(t *testing.T) {
	store := artifact.NewFSStore(t.TempDir())
	// One worker so the second job stays queued while the first runs
	exec := NewLocalExecutor(store, WithWorkers(1), WithTrainDelay(200*time.Millisecond))
	defer exec.Stop()

	c := newCollector()
	exec.Subscribe(c.listen)

	require.NoError(t, exec.Run(RunRequest{JobID: "job-busy", ModelName: "m"}))
	require.NoError(t, exec.Run(RunRequest{JobID: "job-victim", ModelName: "m"}))
	require.NoError(t, exec.Cancel("job-victim"))

	seen := c.awaitTerminal(t, "job-victim")
	require.Len(t, seen, 1)
	assert.Equal(t, models.JobStatusCanceled, seen[0].Status)

	// The busy job is unaffected
	seen = c.awaitTerminal(t, "job-busy")
	assert.Equal(t, models.JobStatusCompleted, seen[len(seen)-1].Status)
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	store := artifact.NewFSStore(t.TempDir())
	exec := NewLocalExecutor(store, WithWorkers(1), WithTrainDelay(0))
	defer exec.Stop()

	c := newCollector()
	exec.Subscribe(c.listen)

	require.NoError(t, exec.Run(RunRequest{JobID: "job-1", ModelName: "m"}))
	seen := c.awaitTerminal(t, "job-1")
	assert.Equal(t, models.JobStatusCompleted, seen[len(seen)-1].Status)

	// Cancel lands after the terminal state; no further callbacks
	require.NoError(t, exec.Cancel("job-1"))
	select {
	case u := <-c.updates:
		t.Fatalf("unexpected callback after terminal state: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

// failingStore rejects every upload
type failingStore struct{}

func (failingStore) Store(ctx context.Context, data []byte) (artifact.Ref, error) {
	return "", fmt.Errorf("blob service unavailable")
}

func (failingStore) Fetch(ctx context.Context, ref artifact.Ref) ([]byte, error) {
	return nil, fmt.Errorf("blob service unavailable")
}

func TestArtifactFailureFailsJob(t *testing.T) {
	exec := NewLocalExecutor(failingStore{}, WithWorkers(1), WithTrainDelay(0))
	defer exec.Stop()

	c := newCollector()
	exec.Subscribe(c.listen)

	require.NoError(t, exec.Run(RunRequest{JobID: "job-1", ModelName: "m"}))
	seen := c.awaitTerminal(t, "job-1")

	last := seen[len(seen)-1]
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Contains(t, last.Diagnostic, "blob service unavailable")
}

func TestRunRejectsMissingJobID(t *testing.T) {
	exec := NewLocalExecutor(artifact.NewFSStore(t.TempDir()), WithWorkers(1), WithTrainDelay(0))
	defer exec.Stop()

	assert.Error(t, exec.Run(RunRequest{}))
}

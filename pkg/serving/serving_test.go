package serving

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/models"
)

func TestTrainIsDeterministic(t *testing.T) {
	inputs := map[string]string{"data": "file://x.csv", "test_train_ratio": "0.2"}

	a := TrainLinearModel("credit_model", inputs)
	b := TrainLinearModel("credit_model", inputs)
	assert.Equal(t, a, b)

	// A different input set yields a different model
	c := TrainLinearModel("credit_model", map[string]string{"data": "file://y.csv"})
	assert.NotEqual(t, a.Weights, c.Weights)
}

func TestScoreShapes(t *testing.T) {
	model := TrainLinearModel("m", map[string]string{"age": "1", "income": "1"})

	resp, err := model.Score(&models.ScoreRequest{
		Columns: []string{"age", "income"},
		Data: [][]interface{}{
			{34.0, 52000.0},
			{51.0, 88000.0},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp), "predictions")

	// Ragged rows are rejected
	_, err = model.Score(&models.ScoreRequest{
		Columns: []string{"age", "income"},
		Data:    [][]interface{}{{34.0}},
	})
	assert.Error(t, err)
}

func TestLoadInstance(t *testing.T) {
	store := artifact.NewFSStore(t.TempDir())
	model := TrainLinearModel("credit_model", map[string]string{"data": "file://x.csv"})
	payload, err := model.Marshal()
	require.NoError(t, err)

	ref, err := store.Store(context.Background(), payload)
	require.NoError(t, err)

	inst, err := LoadInstance(context.Background(), store, ref, "blue")
	require.NoError(t, err)

	resp, err := inst.Score(context.Background(), &models.ScoreRequest{
		Columns: []string{"data"},
		Data:    [][]interface{}{{1.0}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp)
}

func TestLoadInstanceRejectsGarbage(t *testing.T) {
	store := artifact.NewFSStore(t.TempDir())
	ref, err := store.Store(context.Background(), []byte("not a model"))
	require.NoError(t, err)

	_, err = LoadInstance(context.Background(), store, ref, "blue")
	assert.Error(t, err)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"predictions":[0.5]}`))
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL)
	resp, err := scorer.Score(context.Background(), &models.ScoreRequest{
		Columns: []string{"x"},
		Data:    [][]interface{}{{1.0}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":[0.5]}`, string(resp))
}

func TestHTTPScorerSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model container OOMKilled", http.StatusInternalServerError)
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL)
	_, err := scorer.Score(context.Background(), &models.ScoreRequest{
		Columns: []string{"x"},
		Data:    [][]interface{}{{1.0}},
	})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Contains(t, statusErr.Body, "model container OOMKilled")
}

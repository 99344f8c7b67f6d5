package router

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/deploy"
	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/serving"
	"github.com/modelmux/modelmux/pkg/store"
)

// newServingEndpoint provisions one endpoint with blue and green deployments
// over distinct model versions and returns the router and manager.
func newServingEndpoint(t *testing.T) (*Router, *deploy.Manager) {
	t.Helper()
	ctx := context.Background()

	artifacts := artifact.NewFSStore(t.TempDir())
	reg := registry.New(store.NewMemoryStore())
	for _, seed := range []string{"v1", "v2"} {
		model := serving.TrainLinearModel("credit_model", map[string]string{"seed": seed})
		payload, err := model.Marshal()
		require.NoError(t, err)
		ref, err := artifacts.Store(ctx, payload)
		require.NoError(t, err)
		_, err = reg.Register(ctx, "credit_model", string(ref), "job-"+seed)
		require.NoError(t, err)
	}

	m := deploy.NewManager(reg, deploy.NewLocalProvisioner(artifacts, 0))

	op, err := m.CreateOrUpdateEndpoint(ctx, models.EndpointSpec{Name: "credit-endpoint"})
	require.NoError(t, err)
	_, err = op.Await(ctx, 5*time.Second)
	require.NoError(t, err)

	for name, version := range map[string]int{"blue": 1, "green": 2} {
		op, err := m.CreateOrUpdateDeployment(ctx, models.DeploymentSpec{
			Name:          name,
			Endpoint:      "credit-endpoint",
			Model:         models.ModelRef{Name: "credit_model", Version: version},
			InstanceCount: 1,
		})
		require.NoError(t, err)
		_, err = op.Await(ctx, 5*time.Second)
		require.NoError(t, err)
	}

	return New(m), m
}

func scoreRequest() *models.ScoreRequest {
	return &models.ScoreRequest{
		Columns: []string{"seed"},
		Data:    [][]interface{}{{1.0}},
	}
}

func TestInvokeRoutesByTrafficSplit(t *testing.T) {
	r, m := newServingEndpoint(t)
	ctx := context.Background()
	require.NoError(t, m.SetTraffic(ctx, "credit-endpoint", map[string]int{"blue": 50, "green": 50}))

	// Responses differ per deployment because the bound models differ; count
	// them through pinned baseline responses.
	blue, err := r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Deployment: "blue"})
	require.NoError(t, err)
	green, err := r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Deployment: "green"})
	require.NoError(t, err)
	require.NotEqual(t, string(blue), string(green))

	src := rand.New(rand.NewSource(42))
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		resp, err := r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Rand: src})
		require.NoError(t, err)
		switch string(resp) {
		case string(blue):
			counts["blue"]++
		case string(green):
			counts["green"]++
		default:
			t.Fatalf("response matches neither deployment: %s", resp)
		}
	}

	assert.Equal(t, 1000, counts["blue"]+counts["green"])
	assert.InDelta(t, 500, counts["blue"], 60, "split should be close to 50/50, got %v", counts)
}

func TestInvokeUnassignedTrafficDropsRequest(t *testing.T) {
	r, m := newServingEndpoint(t)
	ctx := context.Background()
	require.NoError(t, m.SetTraffic(ctx, "credit-endpoint", map[string]int{"blue": 30}))

	src := rand.New(rand.NewSource(42))
	dropped := 0
	for i := 0; i < 1000; i++ {
		_, err := r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Rand: src})
		if err != nil {
			require.True(t, errdefs.IsNotFound(err), "got %v", err)
			assert.Contains(t, err.Error(), "no route")
			dropped++
		}
	}

	// 70% of rolls land in the unassigned band
	assert.InDelta(t, 700, dropped, 60)
}

func TestInvokeNoTrafficAssigned(t *testing.T) {
	r, _ := newServingEndpoint(t)

	_, err := r.Invoke(context.Background(), "credit-endpoint", scoreRequest(), Options{})
	require.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "no route")
}

func TestInvokeUnknownEndpoint(t *testing.T) {
	r, _ := newServingEndpoint(t)

	_, err := r.Invoke(context.Background(), "missing", scoreRequest(), Options{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestInvokePinnedDeployment(t *testing.T) {
	r, m := newServingEndpoint(t)
	ctx := context.Background()

	// Pinning works with no traffic assigned at all
	_, err := r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Deployment: "green"})
	require.NoError(t, err)

	// Pinning an unknown deployment is not found
	_, err = r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Deployment: "red"})
	assert.True(t, errdefs.IsNotFound(err))

	// Pinning a deployment that is not Succeeded is a hard error
	delOp, err := m.DeleteDeployment(ctx, "credit-endpoint", "green")
	require.NoError(t, err)
	_, err = delOp.Await(ctx, 5*time.Second)
	require.NoError(t, err)
	_, err = r.Invoke(ctx, "credit-endpoint", scoreRequest(), Options{Deployment: "green"})
	assert.Error(t, err)
}

func TestInvokeRejectsMalformedRequest(t *testing.T) {
	r, _ := newServingEndpoint(t)

	_, err := r.Invoke(context.Background(), "credit-endpoint", &models.ScoreRequest{
		Columns: []string{"a", "b"},
		Data:    [][]interface{}{{1.0}},
	}, Options{})
	assert.True(t, errdefs.IsValidation(err))
}

func TestServingFailureSurfacesVerbatim(t *testing.T) {
	// A remote scorer failing with 5xx must surface its body unchanged, as an
	// execution failure, without retry.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "scoring container crashed: exit 137", http.StatusBadGateway)
	}))
	defer srv.Close()

	scorer := serving.NewHTTPScorer(srv.URL)
	_, err := scorer.Score(context.Background(), scoreRequest())
	wrapped := asExecutionFailure("credit-endpoint/blue", err)

	require.True(t, errdefs.IsExecution(wrapped))
	assert.Contains(t, wrapped.Error(), "scoring container crashed: exit 137")
	assert.Equal(t, 1, calls, "5xx must not be retried")
}

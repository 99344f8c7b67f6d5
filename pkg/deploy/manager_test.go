package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/serving"
	"github.com/modelmux/modelmux/pkg/store"
)

const awaitTimeout = 5 * time.Second

// newTestManager seeds credit_model v1 with a real artifact so the local
// provisioner can boot instances from it.
func newTestManager(t *testing.T) *Manager {
	m, _ := newTestManagerWithRegistry(t)
	return m
}

func newTestManagerWithRegistry(t *testing.T) (*Manager, *registry.Registry) {
	t.Helper()
	ctx := context.Background()

	artifacts := artifact.NewFSStore(t.TempDir())
	model := serving.TrainLinearModel("credit_model", map[string]string{"data": "file://x.csv"})
	payload, err := model.Marshal()
	require.NoError(t, err)
	ref, err := artifacts.Store(ctx, payload)
	require.NoError(t, err)

	reg := registry.New(store.NewMemoryStore())
	_, err = reg.Register(ctx, "credit_model", string(ref), "job-1")
	require.NoError(t, err)

	return NewManager(reg, NewLocalProvisioner(artifacts, 0)), reg
}

func endpointSpec(name string) models.EndpointSpec {
	return models.EndpointSpec{Name: name, AuthMode: models.AuthModeNone}
}

func deploymentSpec(endpoint, name string) models.DeploymentSpec {
	return models.DeploymentSpec{
		Name:          name,
		Endpoint:      endpoint,
		Model:         models.ModelRef{Name: "credit_model", Version: 1},
		InstanceType:  "Standard_DS3_v2",
		InstanceCount: 1,
	}
}

func mustReady(t *testing.T, op *Operation) {
	t.Helper()
	state, err := op.Await(context.Background(), awaitTimeout)
	require.NoError(t, err)
	require.Equal(t, models.StateSucceeded, state)
}

func readyEndpoint(t *testing.T, m *Manager, name string) {
	t.Helper()
	op, err := m.CreateOrUpdateEndpoint(context.Background(), endpointSpec(name))
	require.NoError(t, err)
	mustReady(t, op)
}

func readyDeployment(t *testing.T, m *Manager, endpoint, name string) {
	t.Helper()
	op, err := m.CreateOrUpdateDeployment(context.Background(), deploymentSpec(endpoint, name))
	require.NoError(t, err)
	mustReady(t, op)
}

func TestEndpointLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	op, err := m.CreateOrUpdateEndpoint(ctx, endpointSpec("credit-endpoint"))
	require.NoError(t, err)
	mustReady(t, op)

	ep, err := m.GetEndpoint(ctx, "credit-endpoint")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, ep.State)
	assert.Equal(t, models.AuthModeNone, ep.Spec.AuthMode)

	// Same spec again resolves immediately without re-provisioning
	op, err = m.CreateOrUpdateEndpoint(ctx, endpointSpec("credit-endpoint"))
	require.NoError(t, err)
	state, err := op.Poll()
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, state)

	// A changed spec goes through Updating
	changed := endpointSpec("credit-endpoint")
	changed.Description = "credit default scoring"
	op, err = m.CreateOrUpdateEndpoint(ctx, changed)
	require.NoError(t, err)
	mustReady(t, op)

	ep, err = m.GetEndpoint(ctx, "credit-endpoint")
	require.NoError(t, err)
	assert.Equal(t, "credit default scoring", ep.Spec.Description)
}

func TestConflictWhileOperationInFlight(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	m := NewManager(reg, NewLocalProvisioner(artifact.NewFSStore(t.TempDir()), 200*time.Millisecond))
	ctx := context.Background()

	op, err := m.CreateOrUpdateEndpoint(ctx, endpointSpec("ep"))
	require.NoError(t, err)

	_, err = m.CreateOrUpdateEndpoint(ctx, endpointSpec("ep"))
	assert.True(t, errdefs.IsConflict(err), "expected conflict, got %v", err)

	mustReady(t, op)
}

func TestDeploymentRequiresReadyEndpoint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateOrUpdateDeployment(ctx, deploymentSpec("missing", "blue"))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeploymentLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "credit-endpoint")

	op, err := m.CreateOrUpdateDeployment(ctx, deploymentSpec("credit-endpoint", "blue"))
	require.NoError(t, err)
	mustReady(t, op)

	dep, err := m.GetDeployment(ctx, "credit-endpoint", "blue")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, dep.State)
	assert.Equal(t, models.ModelRef{Name: "credit_model", Version: 1}, dep.Spec.Model)

	// The provisioned scorer answers requests
	scorer, err := m.Scorer("credit-endpoint", "blue")
	require.NoError(t, err)
	resp, err := scorer.Score(ctx, &models.ScoreRequest{
		Columns: []string{"data"},
		Data:    [][]interface{}{{1.0}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp), "predictions")
}

func TestDeploymentVersionZeroBindsLatest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")

	spec := deploymentSpec("ep", "blue")
	spec.Model.Version = 0
	op, err := m.CreateOrUpdateDeployment(ctx, spec)
	require.NoError(t, err)
	mustReady(t, op)

	dep, err := m.GetDeployment(ctx, "ep", "blue")
	require.NoError(t, err)
	assert.Equal(t, 1, dep.Spec.Model.Version)
}

func TestModelBindingIsImmutable(t *testing.T) {
	m, reg := newTestManagerWithRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, "credit_model", "fs://retrained", "job-2")
	require.NoError(t, err)
	readyEndpoint(t, m, "ep")
	readyDeployment(t, m, "ep", "blue")

	// Scaling is allowed
	scaled := deploymentSpec("ep", "blue")
	scaled.InstanceCount = 3
	op, err := m.CreateOrUpdateDeployment(ctx, scaled)
	require.NoError(t, err)
	mustReady(t, op)

	dep, err := m.GetDeployment(ctx, "ep", "blue")
	require.NoError(t, err)
	assert.Equal(t, 3, dep.Spec.InstanceCount)

	// Rebinding the model is not
	rebound := deploymentSpec("ep", "blue")
	rebound.Model = models.ModelRef{Name: "credit_model", Version: 2}
	_, err = m.CreateOrUpdateDeployment(ctx, rebound)
	assert.True(t, errdefs.IsValidation(err), "got %v", err)
}

func TestDeploymentUnknownModel(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")

	spec := deploymentSpec("ep", "blue")
	spec.Model = models.ModelRef{Name: "no_such_model", Version: 1}
	_, err := m.CreateOrUpdateDeployment(ctx, spec)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSetTraffic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")
	readyDeployment(t, m, "ep", "blue")
	readyDeployment(t, m, "ep", "green")

	require.NoError(t, m.SetTraffic(ctx, "ep", map[string]int{"blue": 50, "green": 50}))

	ep, err := m.GetEndpoint(ctx, "ep")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"blue": 50, "green": 50}, ep.Traffic)

	cases := map[string]map[string]int{
		"sum over 100":       {"blue": 80, "green": 30},
		"unknown deployment": {"blue": 50, "red": 50},
		"negative weight":    {"blue": -10, "green": 50},
	}
	for name, traffic := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.SetTraffic(ctx, "ep", traffic)
			assert.True(t, errdefs.IsValidation(err), "got %v", err)

			// Prior split untouched
			ep, getErr := m.GetEndpoint(ctx, "ep")
			require.NoError(t, getErr)
			assert.Equal(t, map[string]int{"blue": 50, "green": 50}, ep.Traffic)
		})
	}

	// Partial split under 100 is allowed; the remainder is unrouted
	require.NoError(t, m.SetTraffic(ctx, "ep", map[string]int{"blue": 70}))
}

func TestSetTrafficUnknownEndpoint(t *testing.T) {
	m := newTestManager(t)
	err := m.SetTraffic(context.Background(), "missing", map[string]int{"blue": 100})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteDeploymentWithTrafficConflicts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")
	readyDeployment(t, m, "ep", "blue")
	require.NoError(t, m.SetTraffic(ctx, "ep", map[string]int{"blue": 100}))

	_, err := m.DeleteDeployment(ctx, "ep", "blue")
	assert.True(t, errdefs.IsConflict(err))

	// Reroute, then delete
	require.NoError(t, m.SetTraffic(ctx, "ep", map[string]int{}))
	op, err := m.DeleteDeployment(ctx, "ep", "blue")
	require.NoError(t, err)
	state, err := op.Await(ctx, awaitTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeleted, state)

	_, err = m.GetDeployment(ctx, "ep", "blue")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteEndpointCascade(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")
	readyDeployment(t, m, "ep", "blue")
	readyDeployment(t, m, "ep", "green")

	// Without cascade the children block deletion
	_, err := m.DeleteEndpoint(ctx, "ep", false)
	assert.True(t, errdefs.IsConflict(err))

	op, err := m.DeleteEndpoint(ctx, "ep", true)
	require.NoError(t, err)
	state, err := op.Await(ctx, awaitTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeleted, state)

	_, err = m.GetEndpoint(ctx, "ep")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestProvisioningFailureSurfacesDiagnostic(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	m := NewManager(reg, &failingProvisioner{})
	ctx := context.Background()

	op, err := m.CreateOrUpdateEndpoint(ctx, endpointSpec("ep"))
	require.NoError(t, err)

	state, err := op.Await(ctx, awaitTimeout)
	assert.Equal(t, models.StateFailed, state)
	require.True(t, errdefs.IsExecution(err), "got %v", err)
	assert.Contains(t, err.Error(), "quota exceeded in region westus2")

	ep, getErr := m.GetEndpoint(ctx, "ep")
	require.NoError(t, getErr)
	assert.Equal(t, models.StateFailed, ep.State)
}

func TestOperationCancel(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	m := NewManager(reg, NewLocalProvisioner(artifact.NewFSStore(t.TempDir()), 10*time.Second))
	ctx := context.Background()

	op, err := m.CreateOrUpdateEndpoint(ctx, endpointSpec("ep"))
	require.NoError(t, err)

	op.Cancel()
	state, err := op.Await(ctx, awaitTimeout)
	assert.Equal(t, models.StateFailed, state)
	assert.Error(t, err)
}

func TestValidationRejections(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	readyEndpoint(t, m, "ep")

	_, err := m.CreateOrUpdateEndpoint(ctx, models.EndpointSpec{})
	assert.True(t, errdefs.IsValidation(err))

	_, err = m.CreateOrUpdateEndpoint(ctx, models.EndpointSpec{Name: "x", AuthMode: "oauth"})
	assert.True(t, errdefs.IsValidation(err))

	spec := deploymentSpec("ep", "blue")
	spec.InstanceCount = 0
	_, err = m.CreateOrUpdateDeployment(ctx, spec)
	assert.True(t, errdefs.IsValidation(err))

	spec = deploymentSpec("ep", "blue")
	spec.Model.Name = ""
	_, err = m.CreateOrUpdateDeployment(ctx, spec)
	assert.True(t, errdefs.IsValidation(err))
}

// failingProvisioner rejects every provisioning call
type failingProvisioner struct{}

func (failingProvisioner) ProvisionEndpoint(ctx context.Context, spec models.EndpointSpec) error {
	return fmt.Errorf("quota exceeded in region westus2")
}

func (failingProvisioner) ProvisionDeployment(ctx context.Context, spec models.DeploymentSpec, artifactRef string) (serving.Scorer, error) {
	return nil, fmt.Errorf("quota exceeded in region westus2")
}

func (failingProvisioner) TeardownDeployment(ctx context.Context, endpoint, name string) error {
	return fmt.Errorf("quota exceeded in region westus2")
}

func (failingProvisioner) TeardownEndpoint(ctx context.Context, name string) error {
	return fmt.Errorf("quota exceeded in region westus2")
}

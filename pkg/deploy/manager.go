package deploy

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/keylock"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/serving"
)

// Manager owns endpoint and deployment state and drives asynchronous
// provisioning through a Provisioner. Mutations serialize on per-entity keyed
// locks; operations on unrelated entities proceed in parallel.
type Manager struct {
	registry *registry.Registry
	prov     Provisioner
	locks    *keylock.KeyLock

	mu        sync.RWMutex
	endpoints map[string]*endpointState
	ops       map[string]*Operation
}

type endpointState struct {
	endpoint    models.Endpoint
	deployments map[string]*deploymentState
}

type deploymentState struct {
	deployment  models.Deployment
	artifactRef string
	scorer      serving.Scorer
}

// NewManager creates a deployment manager.
func NewManager(reg *registry.Registry, prov Provisioner) *Manager {
	return &Manager{
		registry:  reg,
		prov:      prov,
		locks:     keylock.New(),
		endpoints: make(map[string]*endpointState),
		ops:       make(map[string]*Operation),
	}
}

func endpointKey(name string) string       { return "endpoint/" + name }
func deploymentKey(ep, name string) string { return "deployment/" + ep + "/" + name }

// CreateOrUpdateEndpoint starts provisioning for an endpoint and returns the
// operation handle immediately. Identical to an existing Succeeded endpoint it
// is a no-op; while a prior operation is in flight it is a conflict.
func (m *Manager) CreateOrUpdateEndpoint(ctx context.Context, spec models.EndpointSpec) (*Operation, error) {
	if spec.Name == "" {
		return nil, errdefs.Validation("", "endpoint name is required")
	}
	if spec.AuthMode == "" {
		spec.AuthMode = models.AuthModeNone
	}
	if spec.AuthMode != models.AuthModeNone && spec.AuthMode != models.AuthModeKey {
		return nil, errdefs.Validation(spec.Name, "unknown auth mode %q", spec.AuthMode)
	}

	key := endpointKey(spec.Name)
	var op *Operation
	var err error
	m.locks.With(key, func() {
		op, err = m.beginEndpointOp(spec)
	})
	return op, err
}

func (m *Manager) beginEndpointOp(spec models.EndpointSpec) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	initial := models.StateCreating

	if es, ok := m.endpoints[spec.Name]; ok {
		if models.IsInFlight(es.endpoint.State) {
			return nil, errdefs.Conflict(spec.Name, "endpoint has a provisioning operation in flight")
		}
		if es.endpoint.State == models.StateSucceeded && reflect.DeepEqual(es.endpoint.Spec, spec) {
			return completedOperation(spec.Name, models.StateSucceeded), nil
		}
		initial = models.StateUpdating
		es.endpoint.State = initial
		es.endpoint.UpdatedAt = now
	} else {
		m.endpoints[spec.Name] = &endpointState{
			endpoint: models.Endpoint{
				Spec:      spec,
				State:     initial,
				CreatedAt: now,
				UpdatedAt: now,
			},
			deployments: make(map[string]*deploymentState),
		}
	}

	opCtx, cancel := context.WithCancel(context.Background())
	op := newOperation(spec.Name, initial, cancel)
	m.ops[op.ID()] = op

	go m.runEndpointOp(opCtx, op, spec)
	return op, nil
}

func (m *Manager) runEndpointOp(ctx context.Context, op *Operation, spec models.EndpointSpec) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("endpoint", spec.Name).Interface("panic", r).Msg("Endpoint provisioning panicked")
			m.failEndpoint(op, spec.Name, fmt.Sprintf("provisioner panic: %v", r))
		}
	}()

	if err := m.prov.ProvisionEndpoint(ctx, spec); err != nil {
		log.Error().Err(err).Str("endpoint", spec.Name).Msg("Endpoint provisioning failed")
		m.failEndpoint(op, spec.Name, err.Error())
		return
	}

	m.mu.Lock()
	if es, ok := m.endpoints[spec.Name]; ok {
		es.endpoint.Spec = spec
		es.endpoint.State = models.StateSucceeded
		es.endpoint.UpdatedAt = time.Now()
	}
	m.mu.Unlock()

	log.Info().Str("endpoint", spec.Name).Msg("Endpoint ready")
	op.resolve(models.StateSucceeded, nil)
}

func (m *Manager) failEndpoint(op *Operation, name, diagnostic string) {
	m.mu.Lock()
	if es, ok := m.endpoints[name]; ok {
		es.endpoint.State = models.StateFailed
		es.endpoint.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	op.resolve(models.StateFailed, errdefs.Execution(name, diagnostic, "endpoint provisioning failed"))
}

// CreateOrUpdateDeployment starts provisioning for a deployment under an
// existing, ready endpoint. The model binding is resolved at creation (version
// 0 means latest) and immutable afterwards.
func (m *Manager) CreateOrUpdateDeployment(ctx context.Context, spec models.DeploymentSpec) (*Operation, error) {
	if spec.Name == "" {
		return nil, errdefs.Validation("", "deployment name is required")
	}
	if spec.Endpoint == "" {
		return nil, errdefs.Validation(spec.Name, "endpoint name is required")
	}
	if spec.Model.Name == "" {
		return nil, errdefs.Validation(spec.Name, "model name is required")
	}
	if spec.InstanceCount < 1 {
		return nil, errdefs.Validation(spec.Name, "instance count must be at least 1")
	}

	rec, err := m.resolveModel(ctx, spec.Model)
	if err != nil {
		return nil, err
	}
	spec.Model = rec.Ref()

	key := deploymentKey(spec.Endpoint, spec.Name)
	var op *Operation
	m.locks.With(key, func() {
		op, err = m.beginDeploymentOp(spec, rec.ArtifactRef)
	})
	return op, err
}

func (m *Manager) resolveModel(ctx context.Context, ref models.ModelRef) (*models.ModelRecord, error) {
	if ref.Version == 0 {
		return m.registry.Latest(ctx, ref.Name)
	}
	return m.registry.Get(ctx, ref.Name, ref.Version)
}

func (m *Manager) beginDeploymentOp(spec models.DeploymentSpec, artifactRef string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	es, ok := m.endpoints[spec.Endpoint]
	if !ok {
		return nil, errdefs.NotFound(spec.Endpoint, "endpoint not found")
	}
	if es.endpoint.State != models.StateSucceeded {
		return nil, errdefs.Conflict(spec.Endpoint, "endpoint is %s, not ready for deployments", es.endpoint.State)
	}

	now := time.Now()
	initial := models.StateCreating
	entity := spec.Endpoint + "/" + spec.Name

	if ds, ok := es.deployments[spec.Name]; ok {
		if models.IsInFlight(ds.deployment.State) {
			return nil, errdefs.Conflict(entity, "deployment has a provisioning operation in flight")
		}
		if ds.deployment.Spec.Model != spec.Model {
			return nil, errdefs.Validation(entity,
				"model binding is immutable (bound to %s); create a new deployment", ds.deployment.Spec.Model)
		}
		if ds.deployment.State == models.StateSucceeded && reflect.DeepEqual(ds.deployment.Spec, spec) {
			return completedOperation(entity, models.StateSucceeded), nil
		}
		initial = models.StateUpdating
		ds.deployment.State = initial
		ds.deployment.UpdatedAt = now
	} else {
		es.deployments[spec.Name] = &deploymentState{
			deployment: models.Deployment{
				Spec:      spec,
				State:     initial,
				CreatedAt: now,
				UpdatedAt: now,
			},
			artifactRef: artifactRef,
		}
	}

	opCtx, cancel := context.WithCancel(context.Background())
	op := newOperation(entity, initial, cancel)
	m.ops[op.ID()] = op

	go m.runDeploymentOp(opCtx, op, spec, artifactRef)
	return op, nil
}

func (m *Manager) runDeploymentOp(ctx context.Context, op *Operation, spec models.DeploymentSpec, artifactRef string) {
	entity := spec.Endpoint + "/" + spec.Name
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("deployment", entity).Interface("panic", r).Msg("Deployment provisioning panicked")
			m.failDeployment(op, spec, fmt.Sprintf("provisioner panic: %v", r))
		}
	}()

	scorer, err := m.prov.ProvisionDeployment(ctx, spec, artifactRef)
	if err != nil {
		log.Error().Err(err).Str("deployment", entity).Msg("Deployment provisioning failed")
		m.failDeployment(op, spec, err.Error())
		return
	}

	m.mu.Lock()
	if es, ok := m.endpoints[spec.Endpoint]; ok {
		if ds, ok := es.deployments[spec.Name]; ok {
			ds.deployment.Spec = spec
			ds.deployment.State = models.StateSucceeded
			ds.deployment.UpdatedAt = time.Now()
			ds.scorer = scorer
		}
	}
	m.mu.Unlock()

	log.Info().
		Str("deployment", entity).
		Str("model", spec.Model.String()).
		Int("instances", spec.InstanceCount).
		Msg("Deployment ready")
	op.resolve(models.StateSucceeded, nil)
}

func (m *Manager) failDeployment(op *Operation, spec models.DeploymentSpec, diagnostic string) {
	m.mu.Lock()
	if es, ok := m.endpoints[spec.Endpoint]; ok {
		if ds, ok := es.deployments[spec.Name]; ok {
			ds.deployment.State = models.StateFailed
			ds.deployment.UpdatedAt = time.Now()
		}
	}
	m.mu.Unlock()
	op.resolve(models.StateFailed,
		errdefs.Execution(spec.Endpoint+"/"+spec.Name, diagnostic, "deployment provisioning failed"))
}

// SetTraffic atomically replaces the endpoint's traffic split. Rejection
// leaves the previous split untouched.
func (m *Manager) SetTraffic(ctx context.Context, endpoint string, traffic map[string]int) error {
	var err error
	m.locks.With(endpointKey(endpoint), func() {
		err = m.setTraffic(endpoint, traffic)
	})
	return err
}

func (m *Manager) setTraffic(endpoint string, traffic map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	es, ok := m.endpoints[endpoint]
	if !ok {
		return errdefs.NotFound(endpoint, "endpoint not found")
	}
	if es.endpoint.State != models.StateSucceeded {
		return errdefs.Conflict(endpoint, "endpoint is %s, traffic cannot change", es.endpoint.State)
	}

	sum := 0
	for name, pct := range traffic {
		if pct < 0 {
			return errdefs.Validation(endpoint, "negative traffic weight for %q", name)
		}
		ds, ok := es.deployments[name]
		if !ok {
			return errdefs.Validation(endpoint, "traffic references unknown deployment %q", name)
		}
		if ds.deployment.State != models.StateSucceeded {
			return errdefs.Validation(endpoint, "deployment %q is %s, not ready for traffic", name, ds.deployment.State)
		}
		sum += pct
	}
	if sum > 100 {
		return errdefs.Validation(endpoint, "traffic weights sum to %d, must not exceed 100", sum)
	}

	next := make(map[string]int, len(traffic))
	for name, pct := range traffic {
		next[name] = pct
	}
	es.endpoint.Traffic = next
	es.endpoint.UpdatedAt = time.Now()

	log.Info().Str("endpoint", endpoint).Interface("traffic", next).Msg("Traffic split updated")
	return nil
}

// DeleteDeployment tears down one deployment. Deployments still receiving
// traffic cannot be deleted.
func (m *Manager) DeleteDeployment(ctx context.Context, endpoint, name string) (*Operation, error) {
	key := deploymentKey(endpoint, name)
	var op *Operation
	var err error
	m.locks.With(key, func() {
		op, err = m.beginDeploymentDelete(endpoint, name)
	})
	return op, err
}

func (m *Manager) beginDeploymentDelete(endpoint, name string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entity := endpoint + "/" + name
	es, ok := m.endpoints[endpoint]
	if !ok {
		return nil, errdefs.NotFound(endpoint, "endpoint not found")
	}
	ds, ok := es.deployments[name]
	if !ok {
		return nil, errdefs.NotFound(entity, "deployment not found")
	}
	if models.IsInFlight(ds.deployment.State) {
		return nil, errdefs.Conflict(entity, "deployment has a provisioning operation in flight")
	}
	if pct := es.endpoint.Traffic[name]; pct > 0 {
		return nil, errdefs.Conflict(entity, "deployment receives %d%% of traffic; reroute first", pct)
	}

	ds.deployment.State = models.StateDeleting
	ds.deployment.UpdatedAt = time.Now()

	opCtx, cancel := context.WithCancel(context.Background())
	op := newOperation(entity, models.StateDeleting, cancel)
	m.ops[op.ID()] = op

	go m.runDeploymentDelete(opCtx, op, endpoint, name)
	return op, nil
}

func (m *Manager) runDeploymentDelete(ctx context.Context, op *Operation, endpoint, name string) {
	entity := endpoint + "/" + name

	if err := m.prov.TeardownDeployment(ctx, endpoint, name); err != nil {
		m.mu.Lock()
		if es, ok := m.endpoints[endpoint]; ok {
			if ds, ok := es.deployments[name]; ok {
				ds.deployment.State = models.StateFailed
				ds.deployment.UpdatedAt = time.Now()
			}
		}
		m.mu.Unlock()
		op.resolve(models.StateFailed, errdefs.Execution(entity, err.Error(), "deployment teardown failed"))
		return
	}

	m.mu.Lock()
	if es, ok := m.endpoints[endpoint]; ok {
		delete(es.deployments, name)
		delete(es.endpoint.Traffic, name)
	}
	m.mu.Unlock()

	log.Info().Str("deployment", entity).Msg("Deployment deleted")
	op.resolve(models.StateDeleted, nil)
}

// DeleteEndpoint tears down an endpoint. With live deployments it conflicts
// unless cascade is set, in which case children are torn down first and the
// endpoint last.
func (m *Manager) DeleteEndpoint(ctx context.Context, name string, cascade bool) (*Operation, error) {
	var op *Operation
	var err error
	m.locks.With(endpointKey(name), func() {
		op, err = m.beginEndpointDelete(name, cascade)
	})
	return op, err
}

func (m *Manager) beginEndpointDelete(name string, cascade bool) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	es, ok := m.endpoints[name]
	if !ok {
		return nil, errdefs.NotFound(name, "endpoint not found")
	}
	if models.IsInFlight(es.endpoint.State) {
		return nil, errdefs.Conflict(name, "endpoint has a provisioning operation in flight")
	}

	var children []string
	for depName, ds := range es.deployments {
		if models.IsInFlight(ds.deployment.State) {
			return nil, errdefs.Conflict(name+"/"+depName, "deployment has a provisioning operation in flight")
		}
		children = append(children, depName)
	}
	if len(children) > 0 && !cascade {
		return nil, errdefs.Conflict(name, "endpoint has %d deployments; delete them first or cascade", len(children))
	}
	sort.Strings(children)

	now := time.Now()
	es.endpoint.State = models.StateDeleting
	es.endpoint.UpdatedAt = now
	for _, depName := range children {
		es.deployments[depName].deployment.State = models.StateDeleting
		es.deployments[depName].deployment.UpdatedAt = now
	}

	opCtx, cancel := context.WithCancel(context.Background())
	op := newOperation(name, models.StateDeleting, cancel)
	m.ops[op.ID()] = op

	go m.runEndpointDelete(opCtx, op, name, children)
	return op, nil
}

func (m *Manager) runEndpointDelete(ctx context.Context, op *Operation, name string, children []string) {
	for _, depName := range children {
		if err := m.prov.TeardownDeployment(ctx, name, depName); err != nil {
			m.mu.Lock()
			if es, ok := m.endpoints[name]; ok {
				es.endpoint.State = models.StateFailed
				es.endpoint.UpdatedAt = time.Now()
				if ds, ok := es.deployments[depName]; ok {
					ds.deployment.State = models.StateFailed
					ds.deployment.UpdatedAt = time.Now()
				}
			}
			m.mu.Unlock()
			op.resolve(models.StateFailed,
				errdefs.Execution(name+"/"+depName, err.Error(), "deployment teardown failed"))
			return
		}

		m.mu.Lock()
		if es, ok := m.endpoints[name]; ok {
			delete(es.deployments, depName)
			delete(es.endpoint.Traffic, depName)
		}
		m.mu.Unlock()
	}

	if err := m.prov.TeardownEndpoint(ctx, name); err != nil {
		m.mu.Lock()
		if es, ok := m.endpoints[name]; ok {
			es.endpoint.State = models.StateFailed
			es.endpoint.UpdatedAt = time.Now()
		}
		m.mu.Unlock()
		op.resolve(models.StateFailed, errdefs.Execution(name, err.Error(), "endpoint teardown failed"))
		return
	}

	m.mu.Lock()
	delete(m.endpoints, name)
	m.mu.Unlock()

	log.Info().Str("endpoint", name).Msg("Endpoint deleted")
	op.resolve(models.StateDeleted, nil)
}

// GetEndpoint returns a copy of the endpoint.
func (m *Manager) GetEndpoint(ctx context.Context, name string) (*models.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	es, ok := m.endpoints[name]
	if !ok {
		return nil, errdefs.NotFound(name, "endpoint not found")
	}
	return copyEndpoint(&es.endpoint), nil
}

// ListEndpoints returns copies of all endpoints, sorted by name.
func (m *Manager) ListEndpoints(ctx context.Context) []*models.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eps := make([]*models.Endpoint, 0, len(m.endpoints))
	for _, es := range m.endpoints {
		eps = append(eps, copyEndpoint(&es.endpoint))
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Spec.Name < eps[j].Spec.Name })
	return eps
}

// GetDeployment returns a copy of one deployment.
func (m *Manager) GetDeployment(ctx context.Context, endpoint, name string) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	es, ok := m.endpoints[endpoint]
	if !ok {
		return nil, errdefs.NotFound(endpoint, "endpoint not found")
	}
	ds, ok := es.deployments[name]
	if !ok {
		return nil, errdefs.NotFound(endpoint+"/"+name, "deployment not found")
	}
	dep := ds.deployment
	return &dep, nil
}

// ListDeployments returns copies of an endpoint's deployments, sorted by name.
func (m *Manager) ListDeployments(ctx context.Context, endpoint string) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	es, ok := m.endpoints[endpoint]
	if !ok {
		return nil, errdefs.NotFound(endpoint, "endpoint not found")
	}
	deps := make([]*models.Deployment, 0, len(es.deployments))
	for _, ds := range es.deployments {
		dep := ds.deployment
		deps = append(deps, &dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Spec.Name < deps[j].Spec.Name })
	return deps, nil
}

// GetOperation retrieves a provisioning operation by id.
func (m *Manager) GetOperation(ctx context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, errdefs.NotFound(id, "operation not found")
	}
	return op, nil
}

// Scorer returns the live scorer for a Succeeded deployment.
func (m *Manager) Scorer(endpoint, name string) (serving.Scorer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	es, ok := m.endpoints[endpoint]
	if !ok {
		return nil, errdefs.NotFound(endpoint, "endpoint not found")
	}
	ds, ok := es.deployments[name]
	if !ok {
		return nil, errdefs.NotFound(endpoint+"/"+name, "deployment not found")
	}
	if ds.deployment.State != models.StateSucceeded || ds.scorer == nil {
		return nil, errdefs.Conflict(endpoint+"/"+name, "deployment is %s, not serving", ds.deployment.State)
	}
	return ds.scorer, nil
}

func copyEndpoint(ep *models.Endpoint) *models.Endpoint {
	out := *ep
	out.Traffic = make(map[string]int, len(ep.Traffic))
	for k, v := range ep.Traffic {
		out.Traffic[k] = v
	}
	return &out
}

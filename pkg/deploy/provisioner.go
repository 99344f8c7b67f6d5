package deploy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/serving"
)

// Provisioner carries out the actual infrastructure work behind endpoint and
// deployment operations. The manager owns state; the provisioner owns effects.
type Provisioner interface {
	ProvisionEndpoint(ctx context.Context, spec models.EndpointSpec) error
	ProvisionDeployment(ctx context.Context, spec models.DeploymentSpec, artifactRef string) (serving.Scorer, error)
	TeardownDeployment(ctx context.Context, endpoint, name string) error
	TeardownEndpoint(ctx context.Context, name string) error
}

// LocalProvisioner boots in-process serving instances. The optional delay
// simulates the provisioning latency of real serving infrastructure so the
// async operation surface is exercised realistically.
type LocalProvisioner struct {
	artifacts artifact.Store
	delay     time.Duration
}

// NewLocalProvisioner creates a provisioner loading models from artifacts.
func NewLocalProvisioner(artifacts artifact.Store, delay time.Duration) *LocalProvisioner {
	return &LocalProvisioner{artifacts: artifacts, delay: delay}
}

func (p *LocalProvisioner) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
		return nil
	}
}

// ProvisionEndpoint allocates the endpoint entry point.
func (p *LocalProvisioner) ProvisionEndpoint(ctx context.Context, spec models.EndpointSpec) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	log.Debug().Str("endpoint", spec.Name).Msg("Endpoint provisioned")
	return nil
}

// ProvisionDeployment fetches the model artifact and boots a scorer for it.
func (p *LocalProvisioner) ProvisionDeployment(ctx context.Context, spec models.DeploymentSpec, artifactRef string) (serving.Scorer, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return serving.LoadInstance(ctx, p.artifacts, artifact.Ref(artifactRef), spec.Name)
}

// TeardownDeployment releases a deployment's serving capacity.
func (p *LocalProvisioner) TeardownDeployment(ctx context.Context, endpoint, name string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	log.Debug().Str("endpoint", endpoint).Str("deployment", name).Msg("Deployment torn down")
	return nil
}

// TeardownEndpoint releases the endpoint entry point.
func (p *LocalProvisioner) TeardownEndpoint(ctx context.Context, name string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	log.Debug().Str("endpoint", name).Msg("Endpoint torn down")
	return nil
}

package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/deploy"
	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/ledger"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/registry"
)

// PipelineSpec describes one train-register-deploy run.
type PipelineSpec struct {
	Job        models.JobSpec        `json:"job"`
	ModelName  string                `json:"model_name"`
	Endpoint   models.EndpointSpec   `json:"endpoint"`
	Deployment models.DeploymentSpec `json:"deployment"`

	// Traffic, when non-empty, is applied after the deployment is ready.
	Traffic map[string]int `json:"traffic,omitempty"`

	// JobTimeout bounds the wait for training; zero means DefaultJobTimeout.
	JobTimeout time.Duration `json:"job_timeout,omitempty"`

	// ProvisionTimeout bounds each provisioning wait; zero means
	// DefaultProvisionTimeout.
	ProvisionTimeout time.Duration `json:"provision_timeout,omitempty"`
}

const (
	DefaultJobTimeout       = 30 * time.Minute
	DefaultProvisionTimeout = 10 * time.Minute
)

// Result reports what the pipeline produced.
type Result struct {
	JobID      string              `json:"job_id"`
	Model      *models.ModelRecord `json:"model"`
	Endpoint   string              `json:"endpoint"`
	Deployment string              `json:"deployment"`
}

// Orchestrator chains the ledger, registry and deployment manager into the
// end-to-end pipeline. Strictly sequential; the first failure propagates
// unchanged and nothing is rolled back.
type Orchestrator struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	deploy   *deploy.Manager
}

// New creates an orchestrator over the three control-plane components.
func New(l *ledger.Ledger, r *registry.Registry, d *deploy.Manager) *Orchestrator {
	return &Orchestrator{ledger: l, registry: r, deploy: d}
}

// Run executes the pipeline: submit, await training, register the artifact,
// provision the endpoint and deployment, then apply the traffic split.
func (o *Orchestrator) Run(ctx context.Context, spec PipelineSpec) (*Result, error) {
	jobTimeout := spec.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	provTimeout := spec.ProvisionTimeout
	if provTimeout <= 0 {
		provTimeout = DefaultProvisionTimeout
	}

	jobSpec := spec.Job
	if jobSpec.ModelName == "" {
		jobSpec.ModelName = spec.ModelName
	}

	jobID, err := o.ledger.Submit(ctx, jobSpec)
	if err != nil {
		return nil, err
	}
	log.Info().Str("job_id", jobID).Msg("Pipeline: training submitted")

	job, err := o.ledger.Await(ctx, jobID, jobTimeout)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusCompleted:
		// proceed to registration
	case models.JobStatusFailed:
		return nil, errdefs.Execution(jobID, job.Error, "training failed")
	default:
		return nil, errdefs.Conflict(jobID, "training ended %s, nothing to register", job.Status)
	}

	rec, err := o.registry.Register(ctx, spec.ModelName, job.ArtifactRef, jobID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", rec.Ref().String()).Msg("Pipeline: model registered")

	epOp, err := o.deploy.CreateOrUpdateEndpoint(ctx, spec.Endpoint)
	if err != nil {
		return nil, err
	}
	if _, err := epOp.Await(ctx, provTimeout); err != nil {
		return nil, err
	}

	depSpec := spec.Deployment
	depSpec.Endpoint = spec.Endpoint.Name
	depSpec.Model = rec.Ref()
	depOp, err := o.deploy.CreateOrUpdateDeployment(ctx, depSpec)
	if err != nil {
		return nil, err
	}
	if _, err := depOp.Await(ctx, provTimeout); err != nil {
		return nil, err
	}
	log.Info().
		Str("endpoint", spec.Endpoint.Name).
		Str("deployment", depSpec.Name).
		Msg("Pipeline: deployment ready")

	if len(spec.Traffic) > 0 {
		if err := o.deploy.SetTraffic(ctx, spec.Endpoint.Name, spec.Traffic); err != nil {
			return nil, err
		}
	}

	return &Result{
		JobID:      jobID,
		Model:      rec,
		Endpoint:   spec.Endpoint.Name,
		Deployment: depSpec.Name,
	}, nil
}

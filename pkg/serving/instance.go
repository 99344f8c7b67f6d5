package serving

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/models"
)

// Scorer answers scoring requests for one deployment. Implementations are
// in-process instances or remote HTTP endpoints.
type Scorer interface {
	Score(ctx context.Context, req *models.ScoreRequest) (models.ScoreResponse, error)
}

// Instance is a provisioned in-process serving instance holding one loaded
// model. Instances are immutable after load; updating a deployment provisions
// a fresh one.
type Instance struct {
	deployment string
	model      *LinearModel
}

// LoadInstance fetches the model artifact and boots an instance for the
// deployment.
func LoadInstance(ctx context.Context, artifacts artifact.Store, ref artifact.Ref, deployment string) (*Instance, error) {
	data, err := artifacts.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model artifact %s: %w", ref, err)
	}

	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("deployment", deployment).
		Str("model", model.ModelName).
		Str("artifact", string(ref)).
		Msg("Serving instance loaded")

	return &Instance{deployment: deployment, model: model}, nil
}

// Score applies the loaded model to the request
func (i *Instance) Score(ctx context.Context, req *models.ScoreRequest) (models.ScoreResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return i.model.Score(req)
}

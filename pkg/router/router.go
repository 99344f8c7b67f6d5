package router

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/deploy"
	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/serving"
)

// Options tune a single invocation.
type Options struct {
	// Deployment pins the request to one deployment, bypassing the traffic
	// split. The pinned deployment must be Succeeded.
	Deployment string

	// Rand overrides the random source for traffic selection. Tests inject a
	// seeded source for deterministic splits.
	Rand *rand.Rand
}

// Router forwards scoring requests to deployments according to the endpoint's
// traffic split.
type Router struct {
	manager *deploy.Manager

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a router over the deployment manager's live state.
func New(manager *deploy.Manager) *Router {
	return &Router{
		manager: manager,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Invoke scores req against endpoint. The deployment is picked by weighted
// random selection over the traffic map unless opts pins one. The response
// body is returned verbatim; a serving-side failure surfaces unchanged as an
// execution failure and is never retried.
func (r *Router) Invoke(ctx context.Context, endpoint string, req *models.ScoreRequest, opts Options) (models.ScoreResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, errdefs.Validation(endpoint, "invalid scoring request: %v", err)
	}

	ep, err := r.manager.GetEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if ep.State != models.StateSucceeded {
		return nil, errdefs.Conflict(endpoint, "endpoint is %s, not serving", ep.State)
	}

	target := opts.Deployment
	if target == "" {
		target, err = r.pick(endpoint, ep.Traffic, opts.Rand)
		if err != nil {
			return nil, err
		}
	}

	scorer, err := r.manager.Scorer(endpoint, target)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("endpoint", endpoint).Str("deployment", target).Msg("Routing invocation")
	resp, err := scorer.Score(ctx, req)
	if err != nil {
		return nil, asExecutionFailure(endpoint+"/"+target, err)
	}
	return resp, nil
}

// pick selects a deployment by weighted random choice. A roll landing in the
// unassigned remainder of the traffic map means no deployment is willing to
// take the request, and it is dropped.
func (r *Router) pick(endpoint string, traffic map[string]int, src *rand.Rand) (string, error) {
	names := make([]string, 0, len(traffic))
	total := 0
	for name, pct := range traffic {
		if pct > 0 {
			names = append(names, name)
			total += pct
		}
	}
	if total == 0 {
		return "", errdefs.NotFound(endpoint, "no route: endpoint has no traffic assigned")
	}
	sort.Strings(names) // stable iteration so seeded sources are reproducible

	roll := r.roll(src, 100)
	acc := 0
	for _, name := range names {
		acc += traffic[name]
		if roll < acc {
			return name, nil
		}
	}
	return "", errdefs.NotFound(endpoint, "no route: request fell into unassigned traffic (%d%%)", 100-total)
}

func (r *Router) roll(src *rand.Rand, n int) int {
	if src != nil {
		return src.Intn(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// asExecutionFailure wraps a serving error, carrying the upstream diagnostic
// unchanged. HTTP 5xx bodies from remote scorers pass through verbatim.
func asExecutionFailure(entity string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *serving.StatusError
	if errors.As(err, &statusErr) {
		return errdefs.Execution(entity, statusErr.Body, "scoring failed with status %d", statusErr.Code)
	}
	return errdefs.Execution(entity, err.Error(), "scoring failed")
}

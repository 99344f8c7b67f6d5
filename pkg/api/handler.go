package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/deploy"
	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/ledger"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/orchestrator"
	"github.com/modelmux/modelmux/pkg/ratelimit"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/router"
)

const (
	defaultAwaitTimeout = 60 * time.Second
	maxAwaitTimeout     = 15 * time.Minute
)

// Handler exposes the control plane over HTTP.
type Handler struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	deploy   *deploy.Manager
	router   *router.Router
	orch     *orchestrator.Orchestrator
	keys     *KeyStore
	limiter  *ratelimit.Limiter
}

// NewHandler creates the HTTP handler over the control-plane components.
func NewHandler(l *ledger.Ledger, reg *registry.Registry, d *deploy.Manager, rt *router.Router, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		ledger:   l,
		registry: reg,
		deploy:   d,
		router:   rt,
		orch:     orchestrator.New(l, reg, d),
		keys:     NewKeyStore(),
		limiter:  limiter,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Job routes
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/await", h.AwaitJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	// Model registry routes
	r.HandleFunc("/models/{name}/versions", h.RegisterModel).Methods("POST")
	r.HandleFunc("/models/{name}/versions", h.ListModelVersions).Methods("GET")
	r.HandleFunc("/models/{name}/versions/{version}", h.GetModelVersion).Methods("GET")
	r.HandleFunc("/models/{name}/latest", h.GetLatestModel).Methods("GET")

	// Endpoint and deployment routes
	r.HandleFunc("/endpoints", h.ListEndpoints).Methods("GET")
	r.HandleFunc("/endpoints/{name}", h.CreateOrUpdateEndpoint).Methods("PUT")
	r.HandleFunc("/endpoints/{name}", h.GetEndpoint).Methods("GET")
	r.HandleFunc("/endpoints/{name}", h.DeleteEndpoint).Methods("DELETE")
	r.HandleFunc("/endpoints/{name}/traffic", h.SetTraffic).Methods("PUT")
	r.HandleFunc("/endpoints/{name}/keys", h.IssueKey).Methods("POST")
	r.HandleFunc("/endpoints/{name}/deployments", h.ListDeployments).Methods("GET")
	r.HandleFunc("/endpoints/{name}/deployments/{deployment}", h.CreateOrUpdateDeployment).Methods("PUT")
	r.HandleFunc("/endpoints/{name}/deployments/{deployment}", h.GetDeployment).Methods("GET")
	r.HandleFunc("/endpoints/{name}/deployments/{deployment}", h.DeleteDeployment).Methods("DELETE")

	// Invocation route, rate limited per endpoint
	r.Handle("/endpoints/{name}/invoke",
		h.limiter.Middleware(func(r *http.Request) string {
			return mux.Vars(r)["name"]
		})(http.HandlerFunc(h.Invoke))).Methods("POST")

	// Pipeline route: the whole train-register-deploy chain in one call
	r.HandleFunc("/pipelines", h.RunPipeline).Methods("POST")

	// Operation routes
	r.HandleFunc("/operations/{id}", h.GetOperation).Methods("GET")
	r.HandleFunc("/operations/{id}/await", h.AwaitOperation).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// statusForKind maps error kinds to HTTP statuses.
func statusForKind(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindValidation:
		return http.StatusBadRequest
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errdefs.GetKind(err)
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, statusForKind(kind), body)
}

// Job handlers

// SubmitJob accepts a job spec and returns the new job id.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.Validation("", "invalid request body: %v", err))
		return
	}

	id, err := h.ledger.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.JobsSubmitted.Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ListJobs returns all jobs, oldest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.ledger.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// AwaitJob blocks until the job is terminal or the timeout elapses.
func (h *Handler) AwaitJob(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r, defaultAwaitTimeout)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := h.ledger.Await(r.Context(), mux.Vars(r)["id"], timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation of a job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.ledger.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":      id,
		"message": "cancellation requested",
	})
}

// Model registry handlers

type registerModelRequest struct {
	ArtifactRef string `json:"artifact_ref"`
	SourceJobID string `json:"source_job_id,omitempty"`
}

// RegisterModel registers the next version under a model name.
func (h *Handler) RegisterModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req registerModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation(name, "invalid request body: %v", err))
		return
	}

	rec, err := h.registry.Register(r.Context(), name, req.ArtifactRef, req.SourceJobID)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.ModelsRegistered.WithLabelValues(name).Inc()
	writeJSON(w, http.StatusCreated, rec)
}

// ListModelVersions returns all versions of a model, ascending.
func (h *Handler) ListModelVersions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.registry.List(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetModelVersion returns one model version.
func (h *Handler) GetModelVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		writeError(w, errdefs.Validation(vars["name"], "version must be an integer"))
		return
	}

	rec, err := h.registry.Get(r.Context(), vars["name"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetLatestModel returns the highest version of a model.
func (h *Handler) GetLatestModel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Latest(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Endpoint handlers

type operationResponse struct {
	OperationID string                   `json:"operation_id"`
	Entity      string                   `json:"entity"`
	State       models.ProvisioningState `json:"state"`
	Error       string                   `json:"error,omitempty"`
}

func operationBody(op *deploy.Operation) operationResponse {
	state, err := op.Poll()
	body := operationResponse{
		OperationID: op.ID(),
		Entity:      op.Entity(),
		State:       state,
	}
	if err != nil {
		body.Error = err.Error()
	}
	return body
}

// CreateOrUpdateEndpoint starts endpoint provisioning and returns the
// operation handle.
func (h *Handler) CreateOrUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var spec models.EndpointSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.Validation("", "invalid request body: %v", err))
		return
	}
	spec.Name = mux.Vars(r)["name"]

	op, err := h.deploy.CreateOrUpdateEndpoint(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.ProvisioningOps.WithLabelValues("endpoint").Inc()
	metrics.EndpointsLive.Set(float64(len(h.deploy.ListEndpoints(r.Context()))))
	writeJSON(w, http.StatusAccepted, operationBody(op))
}

// ListEndpoints returns all endpoints.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deploy.ListEndpoints(r.Context()))
}

// GetEndpoint returns one endpoint.
func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.deploy.GetEndpoint(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// DeleteEndpoint starts endpoint teardown. ?cascade=true deletes deployments
// first.
func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cascade := r.URL.Query().Get("cascade") == "true"

	op, err := h.deploy.DeleteEndpoint(r.Context(), name, cascade)
	if err != nil {
		writeError(w, err)
		return
	}

	h.keys.Revoke(name)
	writeJSON(w, http.StatusAccepted, operationBody(op))
}

// SetTraffic replaces the endpoint's traffic split.
func (h *Handler) SetTraffic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var traffic map[string]int
	if err := json.NewDecoder(r.Body).Decode(&traffic); err != nil {
		writeError(w, errdefs.Validation(name, "invalid request body: %v", err))
		return
	}

	if err := h.deploy.SetTraffic(r.Context(), name, traffic); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traffic": traffic})
}

// IssueKey mints a fresh invocation key for a key-authenticated endpoint. The
// plaintext is returned once and never stored.
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ep, err := h.deploy.GetEndpoint(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if ep.Spec.AuthMode != models.AuthModeKey {
		writeError(w, errdefs.Conflict(name, "endpoint auth mode is %s, keys not used", ep.Spec.AuthMode))
		return
	}

	key, err := h.keys.IssueKey(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// Deployment handlers

// CreateOrUpdateDeployment starts deployment provisioning.
func (h *Handler) CreateOrUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var spec models.DeploymentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.Validation("", "invalid request body: %v", err))
		return
	}
	spec.Endpoint = vars["name"]
	spec.Name = vars["deployment"]

	op, err := h.deploy.CreateOrUpdateDeployment(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.ProvisioningOps.WithLabelValues("deployment").Inc()
	writeJSON(w, http.StatusAccepted, operationBody(op))
}

// ListDeployments returns an endpoint's deployments.
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := h.deploy.ListDeployments(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

// GetDeployment returns one deployment.
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dep, err := h.deploy.GetDeployment(r.Context(), vars["name"], vars["deployment"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// DeleteDeployment starts deployment teardown.
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := h.deploy.DeleteDeployment(r.Context(), vars["name"], vars["deployment"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationBody(op))
}

// Invoke scores a request against an endpoint.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ep, err := h.deploy.GetEndpoint(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if ep.Spec.AuthMode == models.AuthModeKey && !h.keys.Verify(name, bearerToken(r)) {
		log.Warn().Str("endpoint", name).Msg("Rejected invocation with bad key")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing endpoint key"})
		return
	}

	var req models.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation(name, "invalid request body: %v", err))
		return
	}

	start := time.Now()
	resp, err := h.router.Invoke(r.Context(), name, &req, router.Options{
		Deployment: r.URL.Query().Get("deployment"),
	})
	metrics.InvocationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Invocations.WithLabelValues(name, "error").Inc()
		writeError(w, err)
		return
	}

	metrics.Invocations.WithLabelValues(name, "success").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// RunPipeline executes a full train-register-deploy pipeline synchronously.
// Long-running; callers set generous client timeouts.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.PipelineSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, errdefs.Validation("", "invalid request body: %v", err))
		return
	}

	res, err := h.orch.Run(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Operation handlers

// GetOperation returns the current state of a provisioning operation.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.deploy.GetOperation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationBody(op))
}

// AwaitOperation blocks until the operation resolves or the timeout elapses.
func (h *Handler) AwaitOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.deploy.GetOperation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	timeout, err := parseTimeout(r, defaultAwaitTimeout)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := op.Await(r.Context(), timeout); err != nil && errdefs.IsTimeout(err) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationBody(op))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func parseTimeout(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errdefs.Validation("", "invalid timeout %q", raw)
	}
	if d > maxAwaitTimeout {
		d = maxAwaitTimeout
	}
	return d, nil
}

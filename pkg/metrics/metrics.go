package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelmux"

var (
	// JobsSubmitted counts accepted job submissions
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Total number of accepted job submissions",
	})

	// JobsFinished counts jobs by terminal status
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Total number of jobs by terminal status",
	}, []string{"status"})

	// ModelsRegistered counts model version registrations
	ModelsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "models_registered_total",
		Help:      "Total number of model versions registered",
	}, []string{"model"})

	// Invocations counts scoring requests by endpoint and outcome
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invocations_total",
		Help:      "Total number of scoring invocations",
	}, []string{"endpoint", "outcome"})

	// InvocationDuration tracks scoring latency per endpoint
	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_duration_seconds",
		Help:      "Scoring invocation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	// ProvisioningOps counts provisioning operations by entity kind and outcome
	ProvisioningOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_operations_total",
		Help:      "Total number of provisioning operations started",
	}, []string{"kind"})

	// EndpointsLive gauges currently known endpoints
	EndpointsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "endpoints_live",
		Help:      "Number of endpoints currently known to the deployment manager",
	})
)

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

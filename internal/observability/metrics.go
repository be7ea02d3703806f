package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the lifecycle service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal        *prometheus.CounterVec
	TransitionsExpiredTotal *prometheus.CounterVec
	ConditionsFulfilled     *prometheus.CounterVec
	PendingTransitions      prometheus.Gauge

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	StepCompletionsTotal     *prometheus.CounterVec
	StepFailuresTotal        *prometheus.CounterVec
	StepsOverdueTotal        *prometheus.CounterVec

	// Action dispatch metrics
	ActionDispatchesTotal  *prometheus.CounterVec
	ActionDispatchDuration *prometheus.HistogramVec

	// Alerting metrics
	AlertsRaisedTotal *prometheus.CounterVec
	AlertsActive      *prometheus.GaugeVec

	// Sweep metrics
	SweepRunsTotal *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetcycle_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetcycle_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_transitions_total",
			Help: "Total number of transition requests by outcome.",
		}, []string{"from_state", "to_state", "outcome"}),
		TransitionsExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_transitions_expired_total",
			Help: "Total number of pending transitions expired by deadline.",
		}, []string{"from_state", "to_state"}),
		ConditionsFulfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_conditions_fulfilled_total",
			Help: "Total number of conditions fulfilled by type.",
		}, []string{"condition_type"}),
		PendingTransitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetcycle_pending_transitions",
			Help: "Number of transitions awaiting conditions.",
		}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"workflow_type"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_workflow_completions_total",
			Help: "Total number of workflow terminations by final status.",
		}, []string{"workflow_type", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assetcycle_workflow_active_instances",
			Help: "Number of active workflow instances.",
		}, []string{"workflow_type"}),
		StepCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_step_completions_total",
			Help: "Total number of workflow step completions.",
		}, []string{"workflow_type"}),
		StepFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_step_failures_total",
			Help: "Total number of workflow step failures.",
		}, []string{"workflow_type"}),
		StepsOverdueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_steps_overdue_total",
			Help: "Total number of workflow steps flagged past deadline.",
		}, []string{"workflow_type"}),

		// Action dispatch
		ActionDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_action_dispatches_total",
			Help: "Total number of dispatched actions by type and outcome.",
		}, []string{"action_type", "outcome"}),
		ActionDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetcycle_action_dispatch_duration_seconds",
			Help:    "Action dispatch duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action_type"}),

		// Alerting
		AlertsRaisedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_alerts_raised_total",
			Help: "Total number of alerts raised by kind and severity.",
		}, []string{"kind", "severity"}),
		AlertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assetcycle_alerts_active",
			Help: "Number of unacknowledged alerts by severity.",
		}, []string{"severity"}),

		// Sweep
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetcycle_sweep_runs_total",
			Help: "Total number of deadline sweep runs by status.",
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assetcycle_sweep_duration_seconds",
			Help:    "Deadline sweep duration in seconds.",
			Buckets: actionDurationBuckets,
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		// Transitions
		m.TransitionsTotal,
		m.TransitionsExpiredTotal,
		m.ConditionsFulfilled,
		m.PendingTransitions,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.StepCompletionsTotal,
		m.StepFailuresTotal,
		m.StepsOverdueTotal,
		// Action dispatch
		m.ActionDispatchesTotal,
		m.ActionDispatchDuration,
		// Alerting
		m.AlertsRaisedTotal,
		m.AlertsActive,
		// Sweep
		m.SweepRunsTotal,
		m.SweepDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a transition request outcome: committed, pending,
// rejected, or expired.
func (m *Metrics) RecordTransition(fromState, toState, outcome string) {
	m.TransitionsTotal.WithLabelValues(fromState, toState, outcome).Inc()
}

// RecordTransitionExpired records a pending transition expiry.
func (m *Metrics) RecordTransitionExpired(fromState, toState string) {
	m.TransitionsExpiredTotal.WithLabelValues(fromState, toState).Inc()
}

// RecordConditionFulfilled records a fulfilled condition.
func (m *Metrics) RecordConditionFulfilled(conditionType string) {
	m.ConditionsFulfilled.WithLabelValues(conditionType).Inc()
}

// SetPendingTransitions sets the awaiting-conditions gauge.
func (m *Metrics) SetPendingTransitions(count float64) {
	m.PendingTransitions.Set(count)
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowCompletion records a workflow termination.
func (m *Metrics) RecordWorkflowCompletion(workflowType, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(workflowType, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowType).Dec()
}

// RecordStepCompletion records a completed workflow step.
func (m *Metrics) RecordStepCompletion(workflowType string) {
	m.StepCompletionsTotal.WithLabelValues(workflowType).Inc()
}

// RecordStepFailure records a failed workflow step.
func (m *Metrics) RecordStepFailure(workflowType string) {
	m.StepFailuresTotal.WithLabelValues(workflowType).Inc()
}

// RecordStepOverdue records a step flagged past its deadline.
func (m *Metrics) RecordStepOverdue(workflowType string) {
	m.StepsOverdueTotal.WithLabelValues(workflowType).Inc()
}

// RecordActionDispatch records a dispatched action.
func (m *Metrics) RecordActionDispatch(actionType, outcome string, duration time.Duration) {
	m.ActionDispatchesTotal.WithLabelValues(actionType, outcome).Inc()
	m.ActionDispatchDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordAlertRaised records a raised alert.
func (m *Metrics) RecordAlertRaised(kind, severity string) {
	m.AlertsRaisedTotal.WithLabelValues(kind, severity).Inc()
	m.AlertsActive.WithLabelValues(severity).Inc()
}

// RecordAlertAcknowledged records an alert acknowledgement.
func (m *Metrics) RecordAlertAcknowledged(severity string) {
	m.AlertsActive.WithLabelValues(severity).Dec()
}

// RecordSweep records a deadline sweep run.
func (m *Metrics) RecordSweep(status string, duration time.Duration) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

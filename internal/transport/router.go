package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/aggregator"
	"github.com/tangible-labs/assetcycle/internal/config"
	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/internal/statemachine"
	"github.com/tangible-labs/assetcycle/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Machine      *statemachine.Machine
	Engine       *workflow.Engine
	Aggregator   *aggregator.Aggregator
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Ready        http.HandlerFunc
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	ready := deps.Ready
	if ready == nil {
		ready = observability.HandleReady(observability.ReadinessChecks{
			TransitionTableLoaded: func() bool { return true },
		})
	}
	r.Get("/readyz", ready)
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	// Authenticated routes — full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(observability.LoggingMiddleware(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/v1", func(r chi.Router) {
			r.Route("/assets/{assetID}", func(r chi.Router) {
				r.Post("/initialize", handleAssetInitialize(deps.Machine))
				r.Post("/transitions", handleTransitionRequest(deps.Machine))
				r.Get("/status", handleAssetStatus(deps.Machine))
				r.Get("/history", handleAssetHistory(deps.Machine))
				r.Get("/pending", handleAssetPending(deps.Machine))
				r.Get("/stats", handleAssetStats(deps.Aggregator))
			})

			r.Post("/conditions/{conditionID}/fulfill", handleConditionFulfill(deps.Machine))

			r.Route("/workflows", func(r chi.Router) {
				r.Post("/", handleWorkflowCreate(deps.Engine))
				r.Get("/", handleWorkflowList(deps.Engine))
				r.Get("/{workflowID}", handleWorkflowGet(deps.Engine))
				r.Get("/{workflowID}/history", handleWorkflowHistory(deps.Engine))
				r.Post("/{workflowID}/steps/{stepID}/advance", handleWorkflowAdvance(deps.Engine))
				r.Post("/{workflowID}/cancel", handleWorkflowCancel(deps.Engine))
			})

			r.Get("/alerts", handleAlertList(deps.Aggregator))
			r.Post("/alerts/{alertID}/acknowledge", handleAlertAcknowledge(deps.Aggregator))
			r.Get("/stats", handleAllStats(deps.Aggregator))
		})
	})

	return r
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/syncer"
)

// Orchestrator is the sync-control surface the API depends on.
type Orchestrator interface {
	Status(ctx context.Context) ([]syncer.ConnectorStatus, error)
	TriggerSync(ctx context.Context, id string) map[string]syncer.TriggerOutcome
	TriggerRecent(ctx context.Context, since time.Time) map[string]syncer.TriggerOutcome
	ImportRange(ctx context.Context, id string, start, end time.Time) (map[string]syncer.TriggerOutcome, error)
	Coverage(ctx context.Context) ([]syncer.CoverageSummary, error)
	CoverageDaily(ctx context.Context, days int) ([]syncer.DailyCoverage, error)
}

// Engine is the metric computation surface the API depends on.
type Engine interface {
	Compute(ctx context.Context, name string, q metrics.Query) (any, error)
}

// Server wires the HTTP API over the orchestrator, the metrics engine, and
// the response cache.
type Server struct {
	orchestrator Orchestrator
	engine       Engine
	cache        cache.Cache
	health       http.Handler
	registry     *prometheus.Registry
	logger       *zap.Logger
}

// NewServer creates the API server.
func NewServer(
	orchestrator Orchestrator,
	engine Engine,
	responseCache cache.Cache,
	healthHandler http.Handler,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orchestrator: orchestrator,
		engine:       engine,
		cache:        responseCache,
		health:       healthHandler,
		registry:     registry,
		logger:       logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	route := func(method, pattern, operation string, handler http.HandlerFunc) {
		router.Method(method, pattern, wrapHandler(traceMode, operation, handler))
	}

	route(http.MethodGet, "/api/connectors/status", "connectors.status", s.handleConnectorStatus)
	route(http.MethodPost, "/api/connectors/sync", "connectors.sync", s.handleTriggerSync)
	route(http.MethodPost, "/api/sync/recent", "sync.recent", s.handleSyncRecent)
	route(http.MethodPost, "/api/sync/import-range", "sync.import_range", s.handleImportRange)
	route(http.MethodGet, "/api/sync/coverage", "sync.coverage", s.handleCoverage)
	route(http.MethodGet, "/api/sync/coverage/daily", "sync.coverage_daily", s.handleCoverageDaily)
	route(http.MethodGet, "/api/metrics/{name}", "metrics.query", s.handleMetric)

	if s.registry != nil {
		router.Method(http.MethodGet, "/metrics", wrapHandler(traceMode, "metrics.exposition",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP))
	}
	if s.health != nil {
		router.Handle("/livez", s.health)
		router.Handle("/readyz", s.health)
		router.Handle("/healthz", s.health)
	}
	return router
}

func wrapHandler(traceMode, operation string, handler http.HandlerFunc) http.Handler {
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("devpulse/internal/api").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/api"
	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/credential"
	"github.com/devpulse/devpulse/internal/health"
	"github.com/devpulse/devpulse/internal/linking"
	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/syncer"
)

// Runtime assembles the service: entity store, response cache, source
// connectors, the sync orchestrator, the metrics engine, and the HTTP API.
type Runtime struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        store.Store
	cache        cache.Cache
	connectors   []connector.Connector
	resolver     *linking.Resolver
	orchestrator *syncer.Orchestrator
	engine       *metrics.Engine
	registry     *prometheus.Registry
	handler      http.Handler
	closeStore   func()

	mu               sync.RWMutex
	schedulerRunning bool
}

// NewRuntime wires every component from configuration.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entityStore, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build entity store: %w", err)
	}

	responseCache := buildCache(cfg.Cache)
	creds := credential.NewConfigProvider(cfg.Sources)

	connectors, err := buildConnectors(cfg, creds, entityStore, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	resolver := linking.NewResolver(entityStore, logger)
	registry := prometheus.NewRegistry()
	syncMetrics := syncer.NewMetrics(registry)

	intervals := make(map[string]time.Duration, len(cfg.Sources))
	for _, source := range cfg.Sources {
		intervals[source.ID] = source.Interval
	}

	orchestrator := syncer.NewOrchestrator(
		cfg.Sync, connectors, intervals, entityStore, resolver, responseCache, syncMetrics, logger)
	engine := metrics.NewEngine(entityStore, cfg.Metrics, resolver.Index, logger)

	runtime := &Runtime{
		cfg:          cfg,
		logger:       logger,
		store:        entityStore,
		cache:        responseCache,
		connectors:   connectors,
		resolver:     resolver,
		orchestrator: orchestrator,
		engine:       engine,
		registry:     registry,
		closeStore:   closeStore,
	}

	server := api.NewServer(
		orchestrator, engine, responseCache, health.NewHandler(runtime), registry, logger)
	runtime.handler = server.Handler()

	return runtime, nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func buildCache(cfg config.CacheConfig) cache.Cache {
	if cfg.Backend == "redis" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return cache.NewRedisCache(client, cfg.TTL)
	}
	return cache.NewMemoryCache(cfg.TTL)
}

// buildConnectors constructs one connector per configured source. Each
// connector carries its own call budget so a chatty source cannot starve
// the others.
func buildConnectors(
	cfg *config.Config,
	creds credential.Provider,
	entityStore store.Store,
	logger *zap.Logger,
) ([]connector.Connector, error) {
	policy := ratelimit.HeaderPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	}
	matcher := connector.NewDeploymentMatcher(cfg.Deployment.PatternList())

	connectors := make([]connector.Connector, 0, len(cfg.Sources))
	for _, source := range cfg.Sources {
		budget := ratelimit.NewBudget(
			cfg.RateLimit.PerRunCalls, cfg.RateLimit.PerHourCalls, cfg.RateLimit.InterCallDelay)

		switch source.Kind {
		case config.KindGitHub:
			connectors = append(connectors,
				connector.NewGitHubConnector(source, creds, entityStore, budget, policy, cfg.Retry, logger))
		case config.KindGitHubActions:
			connectors = append(connectors,
				connector.NewActionsConnector(source, creds, entityStore, budget, policy, cfg.Retry, matcher, logger))
		case config.KindTracker:
			connectors = append(connectors,
				connector.NewTrackerConnector(source, creds, entityStore, budget, policy, cfg.Retry, logger))
		case config.KindAssistant:
			connectors = append(connectors,
				connector.NewAssistantConnector(source, creds, entityStore, budget, policy, cfg.Retry, logger))
		case config.KindCodeIndex:
			connectors = append(connectors,
				connector.NewCodeIndexConnector(source, creds, entityStore, budget, policy, cfg.Retry, logger))
		case config.KindErrorTracking:
			connectors = append(connectors,
				connector.NewErrorTrackConnector(source, creds, entityStore, budget, policy, cfg.Retry, logger))
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", source.ID, source.Kind)
		}
	}
	return connectors, nil
}

// Handler returns the assembled HTTP route table.
func (rt *Runtime) Handler() http.Handler {
	return rt.handler
}

// Start launches the sync scheduler. Scheduling loops stop when ctx is
// canceled.
func (rt *Runtime) Start(ctx context.Context) {
	rt.orchestrator.Start(ctx)
	rt.mu.Lock()
	rt.schedulerRunning = true
	rt.mu.Unlock()
}

// Shutdown drains in-flight sync runs and releases the store.
func (rt *Runtime) Shutdown() {
	rt.orchestrator.Wait()
	rt.mu.Lock()
	rt.schedulerRunning = false
	rt.mu.Unlock()
	if rt.closeStore != nil {
		rt.closeStore()
	}
}

// CurrentStatus evaluates dependency health for the health endpoints.
func (rt *Runtime) CurrentStatus(ctx context.Context) health.Status {
	rt.mu.RLock()
	scheduler := rt.schedulerRunning
	rt.mu.RUnlock()

	return health.Evaluate(health.Input{
		StoreHealthy:     rt.store.Ping(ctx) == nil,
		CacheHealthy:     rt.cache.Ping(ctx) == nil,
		SchedulerHealthy: scheduler,
		SourcesHealthy:   rt.sourcesHealthy(ctx),
	})
}

// sourcesHealthy reports whether any connector's last run failed outright.
// Never-run and not-configured connectors do not degrade health.
func (rt *Runtime) sourcesHealthy(ctx context.Context) bool {
	for _, conn := range rt.connectors {
		state, ok, err := rt.store.SyncState(ctx, conn.ID())
		if err != nil || !ok {
			continue
		}
		if state.LastStatus == string(connector.StatusFailed) {
			return false
		}
	}
	return true
}

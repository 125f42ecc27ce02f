package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/linking"
	"github.com/devpulse/devpulse/internal/store"
	"go.uber.org/zap"
)

const defaultSyncInterval = time.Hour

// TriggerOutcome is the response to a manual sync trigger.
type TriggerOutcome string

const (
	// TriggerAccepted means the run was started.
	TriggerAccepted TriggerOutcome = "accepted"
	// TriggerAlreadyRunning means a run for the connector is in flight.
	TriggerAlreadyRunning TriggerOutcome = "already_running"
	// TriggerUnknownConnector means no connector has the requested id.
	TriggerUnknownConnector TriggerOutcome = "unknown_connector"
)

// Invalidator drops cached metric responses after ingestion changes the
// underlying data.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// ConnectorStatus is the aggregate per-connector view for status reporting.
// It always reflects the last completed run; an in-flight run never blanks
// out the previous outcome.
type ConnectorStatus struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Running          bool      `json:"running"`
	LastRunAt        time.Time `json:"last_run_at,omitzero"`
	LastStatus       string    `json:"last_status,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	CoverageDays     int       `json:"coverage_days"`
	SupportedMetrics []string  `json:"supported_metrics"`
}

// Orchestrator owns the sync schedule: staggered periodic triggers, manual
// triggers, and date-range backfills, all funneled through an
// at-most-one-in-flight gate per connector.
type Orchestrator struct {
	cfg        config.SyncConfig
	connectors []connector.Connector
	intervals  map[string]time.Duration
	store      store.Store
	resolver   *linking.Resolver
	cache      Invalidator
	metrics    *Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]bool

	wg sync.WaitGroup

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewOrchestrator creates the orchestrator. Connector order determines the
// stagger offset of each periodic schedule.
func NewOrchestrator(
	cfg config.SyncConfig,
	connectors []connector.Connector,
	intervals map[string]time.Duration,
	entityStore store.Store,
	resolver *linking.Resolver,
	cache Invalidator,
	metrics *Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		cfg:        cfg,
		connectors: connectors,
		intervals:  intervals,
		store:      entityStore,
		resolver:   resolver,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
		running:    make(map[string]bool),
		Now:        time.Now,
	}
}

// Start launches one staggered scheduling loop per connector. Loops stop
// when ctx is canceled; Wait blocks until all in-flight runs drain.
func (o *Orchestrator) Start(ctx context.Context) {
	for i, conn := range o.connectors {
		offset := time.Duration(i) * o.cfg.StaggerStep
		interval := o.intervals[conn.ID()]
		if interval <= 0 {
			interval = defaultSyncInterval
		}
		o.wg.Add(1)
		go o.schedule(ctx, conn, offset, interval)
	}
	o.logger.Info("sync scheduler started",
		zap.Int("connectors", len(o.connectors)),
		zap.Duration("stagger_step", o.cfg.StaggerStep))
}

// Wait blocks until every scheduling loop and triggered run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) schedule(ctx context.Context, conn connector.Connector, offset, interval time.Duration) {
	defer o.wg.Done()

	if offset > 0 {
		timer := time.NewTimer(offset)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	o.runScheduled(ctx, conn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runScheduled(ctx, conn)
		}
	}
}

// runScheduled picks the run mode from the connector's checkpoint: resume a
// saved cursor, sync recent changes since the last run, or walk everything
// on first contact.
func (o *Orchestrator) runScheduled(ctx context.Context, conn connector.Connector) {
	state, ok, err := o.store.SyncState(ctx, conn.ID())
	if err != nil {
		o.logger.Error("load sync state failed",
			zap.String("connector", conn.ID()), zap.Error(err))
		return
	}

	run := func(ctx context.Context) connector.Result {
		switch {
		case ok && state.LastCursor != "":
			return conn.SyncAll(ctx, connector.SyncOptions{Cursor: state.LastCursor})
		case ok && !state.LastRunAt.IsZero():
			return conn.SyncRecent(ctx, state.LastRunAt)
		default:
			return conn.SyncAll(ctx, connector.SyncOptions{})
		}
	}
	o.runGated(ctx, conn, run)
}

// TriggerSync starts a manual run for one connector, or for all when id is
// empty. Returns per-connector outcomes.
func (o *Orchestrator) TriggerSync(ctx context.Context, id string) map[string]TriggerOutcome {
	outcomes := make(map[string]TriggerOutcome)
	found := false
	for _, conn := range o.connectors {
		if id != "" && conn.ID() != id {
			continue
		}
		found = true
		outcomes[conn.ID()] = o.triggerAsync(ctx, conn, func(conn connector.Connector) func(context.Context) connector.Result {
			return func(ctx context.Context) connector.Result {
				return conn.SyncAll(ctx, connector.SyncOptions{})
			}
		}(conn))
	}
	if id != "" && !found {
		outcomes[id] = TriggerUnknownConnector
	}
	return outcomes
}

// TriggerRecent starts an incremental run for every connector, fetching
// entities updated after since.
func (o *Orchestrator) TriggerRecent(ctx context.Context, since time.Time) map[string]TriggerOutcome {
	outcomes := make(map[string]TriggerOutcome)
	for _, conn := range o.connectors {
		conn := conn
		outcomes[conn.ID()] = o.triggerAsync(ctx, conn, func(ctx context.Context) connector.Result {
			return conn.SyncRecent(ctx, since)
		})
	}
	return outcomes
}

// ImportRange starts a backfill: a full sync bounded by explicit start/end
// dates. It goes through the same in-flight gate as every other run.
func (o *Orchestrator) ImportRange(ctx context.Context, id string, start, end time.Time) (map[string]TriggerOutcome, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("start and end are required")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end precedes start")
	}

	outcomes := make(map[string]TriggerOutcome)
	found := false
	for _, conn := range o.connectors {
		if id != "" && conn.ID() != id {
			continue
		}
		found = true
		conn := conn
		outcomes[conn.ID()] = o.triggerAsync(ctx, conn, func(ctx context.Context) connector.Result {
			return conn.SyncAll(ctx, connector.SyncOptions{Start: start, End: end})
		})
	}
	if id != "" && !found {
		outcomes[id] = TriggerUnknownConnector
	}
	return outcomes, nil
}

// triggerAsync tries the gate synchronously so the caller gets an immediate
// accepted/already-running answer, then runs in the background.
func (o *Orchestrator) triggerAsync(ctx context.Context, conn connector.Connector, run func(context.Context) connector.Result) TriggerOutcome {
	if !o.tryAcquire(conn.ID()) {
		o.metrics.TriggersDenied.WithLabelValues(conn.ID()).Inc()
		return TriggerAlreadyRunning
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(conn.ID())
		o.runLocked(ctx, conn, run)
	}()
	return TriggerAccepted
}

// runGated is the synchronous path used by the scheduler.
func (o *Orchestrator) runGated(ctx context.Context, conn connector.Connector, run func(context.Context) connector.Result) {
	if !o.tryAcquire(conn.ID()) {
		o.logger.Debug("scheduled run skipped, already in flight",
			zap.String("connector", conn.ID()))
		o.metrics.TriggersDenied.WithLabelValues(conn.ID()).Inc()
		return
	}
	defer o.release(conn.ID())
	o.runLocked(ctx, conn, run)
}

// runLocked executes one run under an already-held gate: timeout, the
// connector call, checkpoint persistence, link resolution, and cache
// invalidation.
func (o *Orchestrator) runLocked(ctx context.Context, conn connector.Connector, run func(context.Context) connector.Result) {
	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	started := o.Now()
	result := run(runCtx)
	elapsed := o.Now().Sub(started)

	o.metrics.RunsTotal.WithLabelValues(conn.ID(), string(result.Status)).Inc()
	o.metrics.RunDuration.WithLabelValues(conn.ID()).Observe(elapsed.Seconds())
	for entity, n := range result.Counts {
		o.metrics.EntitiesTotal.WithLabelValues(conn.ID(), entity).Add(float64(n))
	}

	o.persistState(ctx, conn.ID(), result)

	o.logger.Info("sync run completed",
		zap.String("connector", conn.ID()),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", elapsed),
		zap.Any("counts", result.Counts),
		zap.Strings("errors", result.Errors))

	if result.Status == connector.StatusNotConfigured {
		return
	}

	if o.resolver != nil {
		if err := o.resolver.Resolve(ctx); err != nil {
			o.logger.Warn("link resolution failed",
				zap.String("connector", conn.ID()), zap.Error(err))
		}
	}
	if o.cache != nil {
		if err := o.cache.InvalidateAll(ctx); err != nil {
			o.logger.Warn("cache invalidation failed",
				zap.String("connector", conn.ID()), zap.Error(err))
		}
	}
}

// persistState updates the connector's checkpoint after every run, success
// or failure. A run that did not complete its walk must not wipe the
// previous checkpoint: the saved cursor and since-basis are what keep the
// backlog reachable on the next scheduled run.
func (o *Orchestrator) persistState(ctx context.Context, connectorID string, result connector.Result) {
	state := store.SyncState{
		ConnectorID: connectorID,
		LastCursor:  result.NextCursor,
		LastRunAt:   result.CompletedAt,
		LastStatus:  string(result.Status),
	}
	if len(result.Errors) > 0 {
		state.LastError = result.Errors[len(result.Errors)-1]
	}

	switch result.Status {
	case connector.StatusFailed, connector.StatusRateLimited, connector.StatusNotConfigured:
		if prev, ok, err := o.store.SyncState(ctx, connectorID); err == nil && ok {
			if state.LastCursor == "" {
				state.LastCursor = prev.LastCursor
			}
			if !prev.LastRunAt.IsZero() {
				state.LastRunAt = prev.LastRunAt
			}
		}
	}

	if err := o.store.PutSyncState(ctx, state); err != nil {
		o.logger.Error("persist sync state failed",
			zap.String("connector", connectorID), zap.Error(err))
	}
}

func (o *Orchestrator) tryAcquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] {
		return false
	}
	o.running[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[id]
}

// Status reports the aggregate per-connector view: last completed outcome,
// in-flight flag, and observed days of historical coverage.
func (o *Orchestrator) Status(ctx context.Context) ([]ConnectorStatus, error) {
	statuses := make([]ConnectorStatus, 0, len(o.connectors))
	for _, conn := range o.connectors {
		entry := ConnectorStatus{
			ID:               conn.ID(),
			Kind:             string(conn.Kind()),
			Running:          o.isRunning(conn.ID()),
			SupportedMetrics: conn.SupportedMetrics(),
		}

		state, ok, err := o.store.SyncState(ctx, conn.ID())
		if err != nil {
			return nil, fmt.Errorf("load sync state for %s: %w", conn.ID(), err)
		}
		if ok {
			entry.LastRunAt = state.LastRunAt
			entry.LastStatus = state.LastStatus
			entry.LastError = state.LastError
		}

		activity, err := o.store.ActivityByDay(ctx, conn.ID())
		if err != nil {
			return nil, fmt.Errorf("coverage for %s: %w", conn.ID(), err)
		}
		entry.CoverageDays = len(activity)

		statuses = append(statuses, entry)
	}
	return statuses, nil
}

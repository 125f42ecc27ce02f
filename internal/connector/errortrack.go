package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/credential"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
	"go.uber.org/zap"
)

const (
	errorTrackPageSize = 100

	// errorTrackLookbackDays bounds a full sync when no explicit range is
	// given.
	errorTrackLookbackDays = 30
)

// ErrorTrackConnector ingests grouped error events from the error tracker.
type ErrorTrackConnector struct {
	cfg    config.SourceConfig
	creds  credential.Provider
	store  store.Store
	budget *ratelimit.Budget
	runner *runner
	logger *zap.Logger

	Now func() time.Time
}

// NewErrorTrackConnector creates the error-tracking connector for one source.
func NewErrorTrackConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	logger *zap.Logger,
) *ErrorTrackConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorTrackConnector{
		cfg:    cfg,
		creds:  creds,
		store:  entityStore,
		budget: budget,
		runner: newRunner(budget, policy, retry),
		logger: logger,
		Now:    time.Now,
	}
}

// ID returns the source id.
func (c *ErrorTrackConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *ErrorTrackConnector) Kind() config.SourceKind {
	return config.KindErrorTracking
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *ErrorTrackConnector) SupportedMetrics() []string {
	return []string{"deployment-reliability", "recommendations"}
}

// TestConnection verifies the credential against the events API.
func (c *ErrorTrackConnector) TestConnection(ctx context.Context) bool {
	client, err := c.client(ctx)
	if err != nil || client == nil {
		return false
	}
	return client.probe(ctx, "events")
}

// SyncAll walks error events in the window, bounded by the retention
// lookback when no range is given.
func (c *ErrorTrackConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, syncWindow{cursor: opts.Cursor, start: opts.Start, end: opts.End})
}

// SyncRecent fetches events seen after since.
func (c *ErrorTrackConnector) SyncRecent(ctx context.Context, since time.Time) Result {
	return c.sync(ctx, syncWindow{since: since})
}

func (c *ErrorTrackConnector) client(ctx context.Context) (*restClient, error) {
	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return newRESTClient(c.cfg.BaseURL, secret.Token, c.runner)
}

type errorEventPayload struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Level    string `json:"level"`
	Title    string `json:"title"`
	Count    int    `json:"count"`
	LastSeen string `json:"last_seen"`
}

func (c *ErrorTrackConnector) sync(ctx context.Context, window syncWindow) Result {
	result := newResult(c.cfg.ID, c.Now())

	client, err := c.client(ctx)
	if err != nil {
		result.Status = StatusFailed
		result.addError(err)
		result.CompletedAt = c.Now()
		return result
	}
	if client == nil {
		result.Status = StatusNotConfigured
		result.CompletedAt = c.Now()
		return result
	}

	c.budget.StartRun()

	floor := window.since
	if floor.IsZero() {
		floor = window.start
	}
	if floor.IsZero() {
		floor = c.Now().UTC().AddDate(0, 0, -errorTrackLookbackDays)
	}
	cursor := window.cursor

	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(errorTrackPageSize))
		query.Set("since", floor.UTC().Format(time.RFC3339))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var payload struct {
			Events     []errorEventPayload `json:"events"`
			NextCursor string              `json:"next_cursor"`
		}
		if err := client.getJSON(ctx, []string{"events"}, query, &payload); err != nil {
			if errors.Is(err, ratelimit.ErrRunBudgetExhausted) || errors.Is(err, ratelimit.ErrHourBudgetExhausted) {
				result.NextCursor = cursor
			}
			finishResult(&result, fmt.Errorf("list error events: %w", err), c.Now())
			return result
		}

		for _, event := range payload.Events {
			occurred := parseRFC3339(event.LastSeen)
			if !window.end.IsZero() && occurred.After(window.end) {
				continue
			}
			if err := c.store.UpsertErrorEvent(ctx, store.ErrorEvent{
				SourceID:   c.cfg.ID,
				NativeID:   event.ID,
				Service:    event.Service,
				Level:      event.Level,
				Title:      event.Title,
				Count:      event.Count,
				OccurredAt: occurred,
			}); err != nil {
				finishResult(&result, fmt.Errorf("upsert error event: %w", err), c.Now())
				return result
			}
			result.count("error_events", 1)
		}

		if payload.NextCursor == "" {
			finishResult(&result, nil, c.Now())
			return result
		}
		cursor = payload.NextCursor
	}
}

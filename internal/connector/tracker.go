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

const trackerPageSize = 100

// TrackerConnector ingests teams and work items from the issue tracker.
// Issues arrive sorted by update time with opaque cursor pagination, so an
// interrupted walk resumes from the saved cursor without re-reading pages.
type TrackerConnector struct {
	cfg    config.SourceConfig
	creds  credential.Provider
	store  store.Store
	budget *ratelimit.Budget
	runner *runner
	logger *zap.Logger

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewTrackerConnector creates the issue-tracking connector for one source.
func NewTrackerConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	logger *zap.Logger,
) *TrackerConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackerConnector{
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
func (c *TrackerConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *TrackerConnector) Kind() config.SourceKind {
	return config.KindTracker
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *TrackerConnector) SupportedMetrics() []string {
	return []string{"cycle-time", "lead-time"}
}

// TestConnection verifies the credential against the tracker API.
func (c *TrackerConnector) TestConnection(ctx context.Context) bool {
	client, err := c.client(ctx)
	if err != nil || client == nil {
		return false
	}
	return client.probe(ctx, "teams")
}

// SyncAll walks every team and every issue in the window.
func (c *TrackerConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, syncWindow{cursor: opts.Cursor, start: opts.Start, end: opts.End})
}

// SyncRecent fetches issues updated after since.
func (c *TrackerConnector) SyncRecent(ctx context.Context, since time.Time) Result {
	return c.sync(ctx, syncWindow{since: since})
}

func (c *TrackerConnector) client(ctx context.Context) (*restClient, error) {
	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return newRESTClient(c.cfg.BaseURL, secret.Token, c.runner)
}

func (c *TrackerConnector) sync(ctx context.Context, window syncWindow) Result {
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

	// A cursor resume skips the team walk; team rows rarely change and the
	// interrupted run already refreshed them.
	if window.cursor == "" {
		if err := c.syncTeams(ctx, client, &result); err != nil {
			finishResult(&result, err, c.Now())
			return result
		}
	}

	if err := c.syncIssues(ctx, client, window, &result); err != nil {
		finishResult(&result, err, c.Now())
		return result
	}

	finishResult(&result, nil, c.Now())
	return result
}

type trackerTeamPayload struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type trackerIssuePayload struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	TeamID      string  `json:"team_id"`
	Title       string  `json:"title"`
	State       string  `json:"state"`
	Priority    string  `json:"priority"`
	Assignee    string  `json:"assignee"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	StartedAt   *string `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
	CanceledAt  *string `json:"canceled_at"`
}

func (c *TrackerConnector) syncTeams(ctx context.Context, client *restClient, result *Result) error {
	var payload struct {
		Teams []trackerTeamPayload `json:"teams"`
	}
	if err := client.getJSON(ctx, []string{"teams"}, nil, &payload); err != nil {
		return fmt.Errorf("list teams: %w", err)
	}

	for _, team := range payload.Teams {
		if err := c.store.UpsertIssueTeam(ctx, store.IssueTeam{
			SourceID: c.cfg.ID,
			NativeID: team.ID,
			Key:      team.Key,
			Name:     team.Name,
		}); err != nil {
			return fmt.Errorf("upsert team: %w", err)
		}
		result.count("teams", 1)
	}
	return nil
}

func (c *TrackerConnector) syncIssues(
	ctx context.Context,
	client *restClient,
	window syncWindow,
	result *Result,
) error {
	cursor := window.cursor
	floor := window.since
	if floor.IsZero() {
		floor = window.start
	}

	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(trackerPageSize))
		if !floor.IsZero() {
			query.Set("updated_since", floor.UTC().Format(time.RFC3339))
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var payload struct {
			Issues     []trackerIssuePayload `json:"issues"`
			NextCursor string                `json:"next_cursor"`
		}
		if err := client.getJSON(ctx, []string{"issues"}, query, &payload); err != nil {
			if errors.Is(err, ratelimit.ErrRunBudgetExhausted) || errors.Is(err, ratelimit.ErrHourBudgetExhausted) {
				result.NextCursor = cursor
			}
			return fmt.Errorf("list issues: %w", err)
		}

		for _, issue := range payload.Issues {
			updated := parseRFC3339(issue.UpdatedAt)
			if !window.inRange(updated) {
				continue
			}
			if err := c.store.UpsertIssue(ctx, store.Issue{
				SourceID:     c.cfg.ID,
				NativeID:     issue.ID,
				TeamNativeID: issue.TeamID,
				Identifier:   issue.Identifier,
				Title:        issue.Title,
				State:        issue.State,
				Priority:     issue.Priority,
				Assignee:     issue.Assignee,
				CreatedAt:    parseRFC3339(issue.CreatedAt),
				StartedAt:    parseNullableRFC3339(issue.StartedAt),
				CompletedAt:  parseNullableRFC3339(issue.CompletedAt),
				CanceledAt:   parseNullableRFC3339(issue.CanceledAt),
			}); err != nil {
				return fmt.Errorf("upsert issue: %w", err)
			}
			result.count("issues", 1)
		}

		if payload.NextCursor == "" {
			return nil
		}
		cursor = payload.NextCursor
	}
}

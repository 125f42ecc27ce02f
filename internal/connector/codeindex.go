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

const codeIndexPageSize = 100

// CodeIndexConnector ingests per-repository indexing state from the code
// search service. The dataset is a small snapshot; every sync re-reads it
// fully and the window only matters for cursor resume.
type CodeIndexConnector struct {
	cfg    config.SourceConfig
	creds  credential.Provider
	store  store.Store
	budget *ratelimit.Budget
	runner *runner
	logger *zap.Logger

	Now func() time.Time
}

// NewCodeIndexConnector creates the code-index connector for one source.
func NewCodeIndexConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	logger *zap.Logger,
) *CodeIndexConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeIndexConnector{
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
func (c *CodeIndexConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *CodeIndexConnector) Kind() config.SourceKind {
	return config.KindCodeIndex
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *CodeIndexConnector) SupportedMetrics() []string {
	return []string{"recommendations"}
}

// TestConnection verifies the credential against the index API.
func (c *CodeIndexConnector) TestConnection(ctx context.Context) bool {
	client, err := c.client(ctx)
	if err != nil || client == nil {
		return false
	}
	return client.probe(ctx, "repositories", "status")
}

// SyncAll re-reads the full index snapshot.
func (c *CodeIndexConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, opts.Cursor)
}

// SyncRecent re-reads the full index snapshot; the service exposes no
// incremental view.
func (c *CodeIndexConnector) SyncRecent(ctx context.Context, _ time.Time) Result {
	return c.sync(ctx, "")
}

func (c *CodeIndexConnector) client(ctx context.Context) (*restClient, error) {
	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return newRESTClient(c.cfg.BaseURL, secret.Token, c.runner)
}

type codeIndexStatusPayload struct {
	ID            string `json:"id"`
	Repository    string `json:"repository"`
	State         string `json:"state"`
	LastIndexedAt string `json:"last_indexed_at"`
}

func (c *CodeIndexConnector) sync(ctx context.Context, cursor string) Result {
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

	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(codeIndexPageSize))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var payload struct {
			Statuses   []codeIndexStatusPayload `json:"statuses"`
			NextCursor string                   `json:"next_cursor"`
		}
		if err := client.getJSON(ctx, []string{"repositories", "status"}, query, &payload); err != nil {
			if errors.Is(err, ratelimit.ErrRunBudgetExhausted) || errors.Is(err, ratelimit.ErrHourBudgetExhausted) {
				result.NextCursor = cursor
			}
			finishResult(&result, fmt.Errorf("list index statuses: %w", err), c.Now())
			return result
		}

		for _, status := range payload.Statuses {
			if err := c.store.UpsertCodeIndexStatus(ctx, store.CodeIndexStatus{
				SourceID:      c.cfg.ID,
				NativeID:      status.ID,
				RepoName:      status.Repository,
				State:         status.State,
				LastIndexedAt: parseRFC3339(status.LastIndexedAt),
			}); err != nil {
				finishResult(&result, fmt.Errorf("upsert index status: %w", err), c.Now())
				return result
			}
			result.count("index_statuses", 1)
		}

		if payload.NextCursor == "" {
			finishResult(&result, nil, c.Now())
			return result
		}
		cursor = payload.NextCursor
	}
}

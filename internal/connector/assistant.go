package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/credential"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
	"go.uber.org/zap"
)

const (
	assistantDayFormat = "2006-01-02"
	dayCursorPrefix    = "day:"

	// assistantLookbackDays bounds a full sync when no explicit range is
	// given; the provider retains daily reports for this long.
	assistantLookbackDays = 90
)

// AssistantConnector ingests per-developer daily usage reports from the AI
// coding assistant. The provider hands out a signed download link per report
// day; the report body is NDJSON, one record per developer.
type AssistantConnector struct {
	cfg    config.SourceConfig
	creds  credential.Provider
	store  store.Store
	budget *ratelimit.Budget
	runner *runner
	logger *zap.Logger

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewAssistantConnector creates the assistant-usage connector for one source.
func NewAssistantConnector(
	cfg config.SourceConfig,
	creds credential.Provider,
	entityStore store.Store,
	budget *ratelimit.Budget,
	policy ratelimit.HeaderPolicy,
	retry config.RetryConfig,
	logger *zap.Logger,
) *AssistantConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssistantConnector{
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
func (c *AssistantConnector) ID() string {
	return c.cfg.ID
}

// Kind returns the source kind.
func (c *AssistantConnector) Kind() config.SourceKind {
	return config.KindAssistant
}

// SupportedMetrics lists the metric identifiers this source feeds.
func (c *AssistantConnector) SupportedMetrics() []string {
	return []string{"correlation"}
}

// TestConnection verifies the credential against the report API.
func (c *AssistantConnector) TestConnection(ctx context.Context) bool {
	client, err := c.client(ctx)
	if err != nil || client == nil {
		return false
	}
	return client.probe(ctx, "reports", "usage", "latest")
}

// SyncAll walks the report days of the window, oldest first.
func (c *AssistantConnector) SyncAll(ctx context.Context, opts SyncOptions) Result {
	return c.sync(ctx, syncWindow{cursor: opts.Cursor, start: opts.Start, end: opts.End})
}

// SyncRecent re-reads report days from since forward.
func (c *AssistantConnector) SyncRecent(ctx context.Context, since time.Time) Result {
	return c.sync(ctx, syncWindow{since: since})
}

func (c *AssistantConnector) client(ctx context.Context) (*restClient, error) {
	secret, ok, err := c.creds.Credential(ctx, c.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return newRESTClient(c.cfg.BaseURL, secret.Token, c.runner)
}

func (c *AssistantConnector) sync(ctx context.Context, window syncWindow) Result {
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

	for _, day := range c.reportDays(window) {
		if err := c.syncDay(ctx, client, day, &result); err != nil {
			if errors.Is(err, errNotFound) {
				// Report not generated yet for that day. Normal near the
				// range head; nothing to record.
				continue
			}
			if errors.Is(err, ratelimit.ErrRunBudgetExhausted) || errors.Is(err, ratelimit.ErrHourBudgetExhausted) {
				result.NextCursor = dayCursorPrefix + day.Format(assistantDayFormat)
			}
			if isAuthError(err) || result.NextCursor != "" {
				finishResult(&result, err, c.Now())
				return result
			}
			c.logger.Warn("usage report sync failed",
				zap.String("source", c.cfg.ID),
				zap.String("day", day.Format(assistantDayFormat)),
				zap.Error(err))
			result.addError(fmt.Errorf("day %s: %w", day.Format(assistantDayFormat), err))
		}
	}

	finishResult(&result, nil, c.Now())
	return result
}

// reportDays enumerates the UTC days the window covers, oldest first. A day
// cursor shifts the range start to the interrupted day.
func (c *AssistantConnector) reportDays(window syncWindow) []time.Time {
	today := c.Now().UTC().Truncate(24 * time.Hour)

	start := window.start
	if !window.since.IsZero() {
		start = window.since
	}
	if start.IsZero() {
		start = today.AddDate(0, 0, -assistantLookbackDays)
	}
	end := window.end
	if end.IsZero() || end.After(today) {
		end = today
	}

	if strings.HasPrefix(window.cursor, dayCursorPrefix) {
		if resumed, err := time.Parse(assistantDayFormat, window.cursor[len(dayCursorPrefix):]); err == nil {
			start = resumed
		}
	}

	var days []time.Time
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}

type assistantReportLinkPayload struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

type assistantUsagePayload struct {
	Day         string `json:"day"`
	Login       string `json:"login"`
	Suggestions int    `json:"suggestions"`
	Acceptances int    `json:"acceptances"`
}

func (c *AssistantConnector) syncDay(
	ctx context.Context,
	client *restClient,
	day time.Time,
	result *Result,
) error {
	query := url.Values{}
	query.Set("date", day.Format(assistantDayFormat))

	var link assistantReportLinkPayload
	if err := client.getJSON(ctx, []string{"reports", "usage"}, query, &link); err != nil {
		return err
	}
	if strings.TrimSpace(link.URL) == "" {
		return fmt.Errorf("report link response missing url")
	}

	return c.streamReport(ctx, client, link.URL, day, result)
}

// streamReport downloads the signed report and line-parses its NDJSON body.
// Malformed lines are counted and skipped rather than failing the day.
func (c *AssistantConnector) streamReport(
	ctx context.Context,
	client *restClient,
	signedURL string,
	day time.Time,
	result *Result,
) error {
	parsed, err := url.Parse(signedURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("signed report url is invalid")
	}

	return c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
		if err != nil {
			return callMeta{}, fmt.Errorf("build report download request: %w", err)
		}

		resp, err := client.httpClient.Do(req)
		if err != nil {
			return callMeta{}, &TransientError{Err: err}
		}
		defer resp.Body.Close()
		meta := callMeta{Header: resp.Header, StatusCode: resp.StatusCode}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if classified := classifyHTTPError(resp.StatusCode); classified != nil {
				return meta, classified
			}
			return meta, fmt.Errorf("report download status %d", resp.StatusCode)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var record assistantUsagePayload
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				result.count("parse_errors", 1)
				continue
			}
			if record.Login == "" {
				result.count("parse_errors", 1)
				continue
			}

			recordDay := day
			if fromRecord, err := time.Parse(assistantDayFormat, record.Day); err == nil {
				recordDay = fromRecord.UTC()
			}
			if err := c.store.UpsertAssistantUsage(ctx, store.AssistantUsage{
				SourceID:    c.cfg.ID,
				NativeID:    record.Login + ":" + recordDay.Format(assistantDayFormat),
				Login:       record.Login,
				Day:         recordDay,
				Suggestions: record.Suggestions,
				Acceptances: record.Acceptances,
			}); err != nil {
				return meta, fmt.Errorf("upsert usage record: %w", err)
			}
			result.count("usage_records", 1)
		}
		if err := scanner.Err(); err != nil {
			return meta, fmt.Errorf("scan report stream: %w", err)
		}
		return meta, nil
	})
}

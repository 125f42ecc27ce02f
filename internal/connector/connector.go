package connector

import (
	"context"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/config"
)

// Status is the outcome of one connector run.
type Status string

const (
	// StatusOK is a fully successful run.
	StatusOK Status = "ok"
	// StatusPartial is an interrupted run with a resumable cursor.
	StatusPartial Status = "partial"
	// StatusFailed is a run that ended in an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusRateLimited is a run aborted because the hourly call budget is
	// hard-exhausted.
	StatusRateLimited Status = "rate_limited"
	// StatusNotConfigured is the steady state of a source without a
	// credential. Not an error.
	StatusNotConfigured Status = "not_configured"
)

// SyncOptions parameterizes a full sync. A backfill is a full sync with
// explicit Start/End boundaries; Cursor resumes an interrupted walk.
type SyncOptions struct {
	Cursor string
	Start  time.Time
	End    time.Time
}

// Result is the structured outcome of one connector run.
type Result struct {
	ConnectorID string         `json:"connector_id"`
	Status      Status         `json:"status"`
	Counts      map[string]int `json:"counts,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

func newResult(connectorID string, now time.Time) Result {
	return Result{
		ConnectorID: connectorID,
		Status:      StatusOK,
		Counts:      make(map[string]int),
		StartedAt:   now,
	}
}

func (r *Result) count(entity string, n int) {
	r.Counts[entity] += n
}

func (r *Result) addError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

// Connector translates one external source's paginated API into normalized
// entities. Implementations are sequential: one outbound call at a time.
type Connector interface {
	ID() string
	Kind() config.SourceKind
	TestConnection(ctx context.Context) bool
	SyncAll(ctx context.Context, opts SyncOptions) Result
	SyncRecent(ctx context.Context, since time.Time) Result
	SupportedMetrics() []string
}

// DeploymentMatcher reports whether a workflow name or path marks a
// deployment workflow. Matching is case-insensitive substring, not regex.
type DeploymentMatcher struct {
	patterns []string
}

// NewDeploymentMatcher builds a matcher from lower-cased substrings.
func NewDeploymentMatcher(patterns []string) DeploymentMatcher {
	lowered := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		trimmed := strings.ToLower(strings.TrimSpace(pattern))
		if trimmed != "" {
			lowered = append(lowered, trimmed)
		}
	}
	return DeploymentMatcher{patterns: lowered}
}

// Match tests a workflow name and path against the pattern set.
func (m DeploymentMatcher) Match(name, path string) bool {
	loweredName := strings.ToLower(name)
	loweredPath := strings.ToLower(path)
	for _, pattern := range m.patterns {
		if strings.Contains(loweredName, pattern) || strings.Contains(loweredPath, pattern) {
			return true
		}
	}
	return false
}

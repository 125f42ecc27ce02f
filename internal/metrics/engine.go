package metrics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/linking"
	"github.com/devpulse/devpulse/internal/store"
	"go.uber.org/zap"
)

// Period is the bucketing granularity of a time series.
type Period string

const (
	// PeriodDay buckets by UTC calendar day.
	PeriodDay Period = "day"
	// PeriodWeek buckets by ISO week, keyed by the Monday of the week.
	PeriodWeek Period = "week"
	// PeriodMonth buckets by calendar month.
	PeriodMonth Period = "month"
)

// ErrUnknownMetric marks a request for a metric name the engine does not
// compute.
var ErrUnknownMetric = errors.New("unknown metric")

// Query parameterizes every metric computation. Omitting the trend and
// benchmark flags changes only the payload shape, never the core numbers.
type Query struct {
	Start            time.Time
	End              time.Time
	Period           Period
	RepoIDs          []string
	TeamIDs          []string
	Developers       []string
	Metrics          []string
	IncludeTrend     bool
	IncludeBenchmark bool
}

// Bucket is one point of a bucketed series.
type Bucket struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Distribution summarizes a set of duration samples in hours.
type Distribution struct {
	Count       int     `json:"count"`
	MeanHours   float64 `json:"mean_hours"`
	MedianHours float64 `json:"median_hours"`
}

// Benchmark is a reference target attached to a metric response on request.
type Benchmark struct {
	Target float64 `json:"target"`
	Unit   string  `json:"unit"`
}

// Engine computes every metric as a pure function of the entity store
// snapshot and the query. It never calls an external source.
type Engine struct {
	store  store.Store
	cfg    config.MetricsConfig
	logger *zap.Logger

	// indexFn returns the current deployment attribution index; injected so
	// queries see the resolver's incrementally maintained lookups.
	indexFn func() *linking.Index

	Now func() time.Time
}

// NewEngine creates a metrics engine over the store and the resolver's
// attribution index.
func NewEngine(entityStore store.Store, cfg config.MetricsConfig, indexFn func() *linking.Index, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if indexFn == nil {
		indexFn = func() *linking.Index { return linking.BuildIndex(nil, nil) }
	}
	return &Engine{
		store:   entityStore,
		cfg:     cfg,
		logger:  logger,
		indexFn: indexFn,
		Now:     time.Now,
	}
}

// Names lists the metric identifiers the engine answers.
func Names() []string {
	return []string{
		"deployment-frequency",
		"lead-time",
		"deployment-reliability",
		"review-time",
		"merge-time",
		"cycle-time",
		"throughput",
		"pr-health",
		"reviewer-workload",
		"anomalies",
		"correlation",
		"recommendations",
	}
}

// Compute dispatches a metric request by name.
func (e *Engine) Compute(ctx context.Context, name string, q Query) (any, error) {
	q = e.normalize(q)
	switch name {
	case "deployment-frequency":
		return e.DeploymentFrequency(ctx, q)
	case "lead-time":
		return e.LeadTime(ctx, q)
	case "deployment-reliability":
		return e.DeploymentReliability(ctx, q)
	case "review-time":
		return e.ReviewTime(ctx, q)
	case "merge-time":
		return e.MergeTime(ctx, q)
	case "cycle-time":
		return e.CycleTime(ctx, q)
	case "throughput":
		return e.Throughput(ctx, q)
	case "pr-health":
		return e.PRHealth(ctx, q)
	case "reviewer-workload":
		return e.ReviewerWorkload(ctx, q)
	case "anomalies":
		return e.Anomalies(ctx, q)
	case "correlation":
		return e.Correlation(ctx, q)
	case "recommendations":
		return e.Recommendations(ctx, q)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
}

// normalize fills query defaults: a trailing 90-day range and the configured
// default period.
func (e *Engine) normalize(q Query) Query {
	if q.End.IsZero() {
		q.End = e.Now().UTC()
	}
	if q.Start.IsZero() {
		q.Start = q.End.AddDate(0, 0, -90)
	}
	if q.Period == "" {
		switch Period(e.cfg.DefaultPeriod) {
		case PeriodDay, PeriodWeek, PeriodMonth:
			q.Period = Period(e.cfg.DefaultPeriod)
		default:
			q.Period = PeriodWeek
		}
	}
	return q
}

// snapshot is the engine's one-shot read of the store for a query. Metrics
// tolerate partially-synced state: a missing related entity excludes the
// record, it never fails the query.
type snapshot struct {
	prs       []store.PullRequest
	reviews   []store.Review
	commits   []store.Commit
	workflows map[string]store.Workflow
	runs      []store.WorkflowRun
	issues    []store.Issue
	usage     []store.AssistantUsage
	index     *linking.Index
}

func (e *Engine) load(ctx context.Context, q Query) (*snapshot, error) {
	filter := store.Filter{RepoIDs: q.RepoIDs, Developers: q.Developers}

	prs, err := e.store.ListPullRequests(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	reviews, err := e.store.ListReviews(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	commits, err := e.store.ListCommits(ctx, store.Filter{RepoIDs: q.RepoIDs})
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	workflows, err := e.store.ListWorkflows(ctx, store.Filter{RepoIDs: q.RepoIDs})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	runs, err := e.store.ListWorkflowRuns(ctx, store.Filter{RepoIDs: q.RepoIDs})
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	issues, err := e.store.ListIssues(ctx, store.Filter{Developers: q.Developers})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	usage, err := e.store.ListAssistantUsage(ctx, store.Filter{Developers: q.Developers})
	if err != nil {
		return nil, fmt.Errorf("list assistant usage: %w", err)
	}

	if len(q.TeamIDs) > 0 {
		kept := issues[:0]
		for _, issue := range issues {
			if slices.Contains(q.TeamIDs, issue.TeamNativeID) {
				kept = append(kept, issue)
			}
		}
		issues = kept
	}

	byKey := make(map[string]store.Workflow, len(workflows))
	for _, workflow := range workflows {
		byKey[workflow.SourceID+"|"+workflow.NativeID] = workflow
	}

	return &snapshot{
		prs:       prs,
		reviews:   reviews,
		commits:   commits,
		workflows: byKey,
		runs:      runs,
		issues:    issues,
		usage:     usage,
		index:     e.indexFn(),
	}, nil
}

// isDeploymentRun reports whether a run belongs to a deployment-tagged
// workflow. Runs whose workflow is not yet ingested are treated as not yet
// available.
func (s *snapshot) isDeploymentRun(run store.WorkflowRun) bool {
	workflow, ok := s.workflows[run.SourceID+"|"+run.WorkflowNativeID]
	return ok && workflow.IsDeployment
}

// runCompletion anchors a run in time: completion when present, start
// otherwise.
func runCompletion(run store.WorkflowRun) time.Time {
	if run.CompletedAt != nil {
		return *run.CompletedAt
	}
	return run.StartedAt
}

func inRange(t time.Time, start, end time.Time) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(start) && !t.After(end)
}

func hours(d time.Duration) float64 {
	return d.Hours()
}

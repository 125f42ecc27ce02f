package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/linking"
	"github.com/devpulse/devpulse/internal/store"
)

// newTestEngine wires an engine over the store with an attribution index
// rebuilt from the store's PRs and commits on every query.
func newTestEngine(t *testing.T, entityStore store.Store, cfg config.MetricsConfig) *Engine {
	t.Helper()
	indexFn := func() *linking.Index {
		prs, err := entityStore.ListPullRequests(context.Background(), store.Filter{})
		if err != nil {
			t.Fatalf("ListPullRequests() error = %v", err)
		}
		commits, err := entityStore.ListCommits(context.Background(), store.Filter{})
		if err != nil {
			t.Fatalf("ListCommits() error = %v", err)
		}
		return linking.BuildIndex(prs, commits)
	}
	engine := NewEngine(entityStore, cfg, indexFn, nil)
	engine.Now = func() time.Time { return time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC) }
	return engine
}

func seedDeployWorkflow(t *testing.T, s store.Store) {
	t.Helper()
	if err := s.UpsertWorkflow(context.Background(), store.Workflow{
		SourceID: "ci", NativeID: "wf-deploy", Name: "Deploy", IsDeployment: true,
	}); err != nil {
		t.Fatalf("UpsertWorkflow() error = %v", err)
	}
	if err := s.UpsertWorkflow(context.Background(), store.Workflow{
		SourceID: "ci", NativeID: "wf-test", Name: "Tests",
	}); err != nil {
		t.Fatalf("UpsertWorkflow() error = %v", err)
	}
}

func seedRun(t *testing.T, s store.Store, id, workflow, conclusion, sha string, completed time.Time) {
	t.Helper()
	if err := s.UpsertWorkflowRun(context.Background(), store.WorkflowRun{
		SourceID: "ci", NativeID: id, WorkflowNativeID: workflow,
		Status: "completed", Conclusion: conclusion, HeadSHA: sha,
		StartedAt: completed.Add(-10 * time.Minute), CompletedAt: &completed,
	}); err != nil {
		t.Fatalf("UpsertWorkflowRun() error = %v", err)
	}
}

func TestComputeUnknownMetric(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, store.NewMemoryStore(), config.MetricsConfig{})
	if _, err := engine.Compute(context.Background(), "made-up", Query{}); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("error = %v, want ErrUnknownMetric", err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, store.NewMemoryStore(), config.MetricsConfig{DefaultPeriod: "day"})
	q := engine.normalize(Query{})
	if q.Period != PeriodDay {
		t.Fatalf("period = %q, want the configured default", q.Period)
	}
	if !q.End.Equal(engine.Now()) {
		t.Fatalf("end = %v, want now", q.End)
	}
	if !q.Start.Equal(q.End.AddDate(0, 0, -90)) {
		t.Fatalf("start = %v, want a trailing 90-day range", q.Start)
	}

	engine.cfg.DefaultPeriod = "fortnight"
	if q := engine.normalize(Query{}); q.Period != PeriodWeek {
		t.Fatalf("period = %q, want week when the configured default is invalid", q.Period)
	}
}

func TestDeploymentFrequencyAveragesOverEmptyBuckets(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)

	week1 := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		seedRun(t, entityStore, id, "wf-deploy", "success", "", week1.Add(time.Duration(i)*time.Hour))
	}
	// Noise that must not count: a failed deploy, a non-deploy success, and a
	// success outside the range.
	seedRun(t, entityStore, "r5", "wf-deploy", "failure", "", week1)
	seedRun(t, entityStore, "r6", "wf-test", "success", "", week1)
	seedRun(t, entityStore, "r7", "wf-deploy", "success", "", week1.AddDate(0, 2, 0))

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.DeploymentFrequency(context.Background(), Query{
		Start:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 6, 14, 23, 59, 59, 0, time.UTC),
		Period:       PeriodWeek,
		IncludeTrend: true,
	})
	if err != nil {
		t.Fatalf("DeploymentFrequency() error = %v", err)
	}
	if got.Total != 4 || got.Buckets != 2 {
		t.Fatalf("total/buckets = %d/%d, want 4/2", got.Total, got.Buckets)
	}
	// The second, empty week still divides the average.
	if !almostEqual(got.Average, 2) {
		t.Fatalf("average = %v, want 2", got.Average)
	}
	if len(got.Trend) != 2 || got.Trend[0].Value != 4 || got.Trend[1].Value != 0 {
		t.Fatalf("trend = %v, want [4 0]", got.Trend)
	}
}

func TestLeadTimeTracesDeployToFirstCommit(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)
	ctx := context.Background()

	merged := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	if err := entityStore.UpsertPullRequest(ctx, store.PullRequest{
		SourceID: "gh", NativeID: "pr-1", MergeCommitSHA: "deploy-sha", MergedAt: &merged,
	}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}
	// Two branch commits; lead time anchors on the earlier one.
	for _, commit := range []store.Commit{
		{SourceID: "gh", SHA: "c-late", PRNativeID: "pr-1", CommittedAt: merged.Add(-2 * time.Hour)},
		{SourceID: "gh", SHA: "c-first", PRNativeID: "pr-1", CommittedAt: merged.Add(-44 * time.Hour)},
	} {
		if err := entityStore.UpsertCommit(ctx, commit); err != nil {
			t.Fatalf("UpsertCommit() error = %v", err)
		}
	}

	deployed := time.Date(2026, 6, 3, 16, 0, 0, 0, time.UTC)
	seedRun(t, entityStore, "r1", "wf-deploy", "success", "deploy-sha", deployed)
	// Unattributable head sha; excluded, not an error.
	seedRun(t, entityStore, "r2", "wf-deploy", "success", "mystery-sha", deployed)

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.LeadTime(context.Background(), Query{
		Start:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
		Period: PeriodDay,
	})
	if err != nil {
		t.Fatalf("LeadTime() error = %v", err)
	}
	if got.Distribution.Count != 1 {
		t.Fatalf("count = %d, want 1 attributable deployment", got.Distribution.Count)
	}
	// First commit 2026-05-31T16:00 to deployment 2026-06-03T16:00.
	if !almostEqual(got.Distribution.MeanHours, 72) {
		t.Fatalf("mean = %v, want 72h from the first commit", got.Distribution.MeanHours)
	}
}

func TestLeadTimeExcludesNegativeSamples(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)
	ctx := context.Background()

	merged := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	if err := entityStore.UpsertPullRequest(ctx, store.PullRequest{
		SourceID: "gh", NativeID: "pr-1", MergeCommitSHA: "sha", MergedAt: &merged,
	}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}
	if err := entityStore.UpsertCommit(ctx, store.Commit{
		SourceID: "gh", SHA: "c1", PRNativeID: "pr-1",
		CommittedAt: time.Date(2026, 6, 4, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("UpsertCommit() error = %v", err)
	}
	// Deployment completes before the commit timestamp: clock skew.
	seedRun(t, entityStore, "r1", "wf-deploy", "success", "sha", merged.Add(time.Hour))

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.LeadTime(context.Background(), Query{
		Start:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
		Period: PeriodDay,
	})
	if err != nil {
		t.Fatalf("LeadTime() error = %v", err)
	}
	if got.Distribution.Count != 0 {
		t.Fatalf("count = %d, want the skewed sample excluded", got.Distribution.Count)
	}
}

func TestDeploymentReliability(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)

	when := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	seedRun(t, entityStore, "r1", "wf-deploy", "success", "", when)
	seedRun(t, entityStore, "r2", "wf-test", "success", "", when)
	seedRun(t, entityStore, "r3", "wf-test", "failure", "", when)
	seedRun(t, entityStore, "r4", "wf-deploy", "cancelled", "", when)
	// Still executing; no conclusion yet.
	if err := entityStore.UpsertWorkflowRun(context.Background(), store.WorkflowRun{
		SourceID: "ci", NativeID: "r5", WorkflowNativeID: "wf-test",
		Status: "in_progress", StartedAt: when,
	}); err != nil {
		t.Fatalf("UpsertWorkflowRun() error = %v", err)
	}

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.DeploymentReliability(context.Background(), Query{
		Start:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
		Period: PeriodWeek,
	})
	if err != nil {
		t.Fatalf("DeploymentReliability() error = %v", err)
	}
	// The cancelled run counts in the total but on neither ratio side.
	if got.TotalRuns != 4 || got.SuccessfulRuns != 2 || got.FailedRuns != 1 {
		t.Fatalf("runs = %d/%d/%d, want 4 total, 2 success, 1 failure", got.TotalRuns, got.SuccessfulRuns, got.FailedRuns)
	}
	if !almostEqual(got.StabilityScore, 0.5) {
		t.Fatalf("stability = %v, want 0.5", got.StabilityScore)
	}
}

func TestLoadFiltersIssuesByTeam(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	ctx := context.Background()
	completed := time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC)
	for _, issue := range []store.Issue{
		{SourceID: "tracker", NativeID: "iss-1", TeamNativeID: "team-eng", CompletedAt: &completed},
		{SourceID: "tracker", NativeID: "iss-2", TeamNativeID: "team-ops", CompletedAt: &completed},
	} {
		if err := entityStore.UpsertIssue(ctx, issue); err != nil {
			t.Fatalf("UpsertIssue() error = %v", err)
		}
	}

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.Throughput(ctx, Query{
		Start:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 6, 7, 0, 0, 0, 0, time.UTC),
		Period:  PeriodWeek,
		TeamIDs: []string{"team-eng"},
	})
	if err != nil {
		t.Fatalf("Throughput() error = %v", err)
	}
	if got.IssuesCompleted != 1 {
		t.Fatalf("issues completed = %d, want only the filtered team's issue", got.IssuesCompleted)
	}
}

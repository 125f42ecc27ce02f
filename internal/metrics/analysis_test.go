package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/store"
)

// seedDeploysOnDay records n successful deployment runs completing on the
// given day.
func seedDeploysOnDay(t *testing.T, s store.Store, day time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("run-%s-%d", day.Format("0102"), i)
		seedRun(t, s, id, "wf-deploy", "success", "", day.Add(time.Duration(i+9)*time.Hour))
	}
}

func anomalyFixture(t *testing.T, lastDayCount int) store.Store {
	t.Helper()
	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	counts := []int{0, 2, 0, 2, lastDayCount}
	for i, n := range counts {
		seedDeploysOnDay(t, entityStore, base.AddDate(0, 0, i), n)
	}
	return entityStore
}

func dayRangeQuery(days int) Query {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return Query{
		Start:  start,
		End:    start.AddDate(0, 0, days-1).Add(23 * time.Hour),
		Period: PeriodDay,
	}
}

func TestAnomaliesBoundaryIsNotFlagged(t *testing.T) {
	t.Parallel()

	// Baseline {0,2,0,2}: mean 1, stddev 1. A value of 3 deviates by exactly
	// two sigmas and must stay unflagged.
	entityStore := anomalyFixture(t, 3)
	engine := newTestEngine(t, entityStore, config.MetricsConfig{AnomalyWindow: 4, AnomalySigma: 2})

	got, err := engine.Anomalies(context.Background(), dayRangeQuery(5))
	if err != nil {
		t.Fatalf("Anomalies() error = %v", err)
	}
	if got.Metric != "deployment-frequency" {
		t.Fatalf("metric = %q, want the default series", got.Metric)
	}
	if len(got.Anomalies) != 0 {
		t.Fatalf("anomalies = %v, want none at exactly the threshold", got.Anomalies)
	}
}

func TestAnomaliesFlagsDeviationBeyondThreshold(t *testing.T) {
	t.Parallel()

	entityStore := anomalyFixture(t, 4)
	engine := newTestEngine(t, entityStore, config.MetricsConfig{AnomalyWindow: 4, AnomalySigma: 2})

	got, err := engine.Anomalies(context.Background(), dayRangeQuery(5))
	if err != nil {
		t.Fatalf("Anomalies() error = %v", err)
	}
	if len(got.Anomalies) != 1 {
		t.Fatalf("anomalies = %v, want the final day flagged", got.Anomalies)
	}
	anomaly := got.Anomalies[0]
	if anomaly.Key != "2026-06-05" || anomaly.Value != 4 {
		t.Fatalf("anomaly = %+v, want day five at 4", anomaly)
	}
	if !almostEqual(anomaly.BaselineMean, 1) || !almostEqual(anomaly.Sigmas, 3) {
		t.Fatalf("anomaly = %+v, want baseline 1 and 3 sigmas", anomaly)
	}
}

func TestAnomaliesUnknownSeries(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, store.NewMemoryStore(), config.MetricsConfig{})
	q := dayRangeQuery(3)
	q.Metrics = []string{"recommendations"}
	if _, err := engine.Anomalies(context.Background(), q); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("error = %v, want ErrUnknownMetric for a series-less metric", err)
	}
}

// correlationFixture deploys and merges in lockstep over three days so the
// two count series align perfectly.
func correlationFixture(t *testing.T) store.Store {
	t.Helper()
	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 3; day++ {
		seedDeploysOnDay(t, entityStore, base.AddDate(0, 0, day), day+1)
		for i := 0; i <= day; i++ {
			merged := base.AddDate(0, 0, day).Add(time.Duration(10+i) * time.Hour)
			seedPR(t, entityStore, store.PullRequest{
				SourceID: "gh", NativeID: fmt.Sprintf("pr-%d-%d", day, i),
				CreatedAt: merged.Add(-4 * time.Hour), MergedAt: &merged,
			})
		}
	}
	return entityStore
}

func TestCorrelationAlignedSeries(t *testing.T) {
	t.Parallel()

	entityStore := correlationFixture(t)
	engine := newTestEngine(t, entityStore, config.MetricsConfig{CorrelationMinOverlap: 3})

	q := dayRangeQuery(3)
	q.Metrics = []string{"deployment-frequency", "throughput"}
	got, err := engine.Correlation(context.Background(), q)
	if err != nil {
		t.Fatalf("Correlation() error = %v", err)
	}
	if len(got.Pairs) != 1 {
		t.Fatalf("pairs = %v, want one", got.Pairs)
	}
	pair := got.Pairs[0]
	if pair.Overlap != 3 || !almostEqual(pair.Coefficient, 1) {
		t.Fatalf("pair = %+v, want a perfect correlation over 3 buckets", pair)
	}
}

func TestCorrelationOmitsSparsePairs(t *testing.T) {
	t.Parallel()

	entityStore := correlationFixture(t)
	ctx := context.Background()
	// Assistant usage on only two of the three days; below the overlap floor.
	for day := 0; day < 2; day++ {
		when := time.Date(2026, 6, 1+day, 0, 0, 0, 0, time.UTC)
		if err := entityStore.UpsertAssistantUsage(ctx, store.AssistantUsage{
			SourceID: "assistant", NativeID: fmt.Sprintf("alice:%d", day),
			Login: "alice", Day: when, Acceptances: 5,
		}); err != nil {
			t.Fatalf("UpsertAssistantUsage() error = %v", err)
		}
	}

	engine := newTestEngine(t, entityStore, config.MetricsConfig{CorrelationMinOverlap: 3})
	q := dayRangeQuery(3)
	q.Metrics = []string{"deployment-frequency", "assistant-acceptances"}
	got, err := engine.Correlation(ctx, q)
	if err != nil {
		t.Fatalf("Correlation() error = %v", err)
	}
	if len(got.Pairs) != 0 {
		t.Fatalf("pairs = %v, want none below the overlap floor", got.Pairs)
	}
	if len(got.Omitted) != 1 || got.Omitted[0] != "deployment-frequency/assistant-acceptances" {
		t.Fatalf("omitted = %v, want the sparse pair named, never a zero coefficient", got.Omitted)
	}
}

func TestCorrelationOmitsZeroVariance(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	// One deployment every day: a flat series with nothing to correlate.
	for day := 0; day < 3; day++ {
		seedDeploysOnDay(t, entityStore, base.AddDate(0, 0, day), 1)
		merged := base.AddDate(0, 0, day).Add(10 * time.Hour)
		for i := 0; i <= day; i++ {
			seedPR(t, entityStore, store.PullRequest{
				SourceID: "gh", NativeID: fmt.Sprintf("pr-%d-%d", day, i),
				CreatedAt: merged.Add(-time.Hour), MergedAt: &merged,
			})
		}
	}

	engine := newTestEngine(t, entityStore, config.MetricsConfig{CorrelationMinOverlap: 3})
	q := dayRangeQuery(3)
	q.Metrics = []string{"deployment-frequency", "throughput"}
	got, err := engine.Correlation(context.Background(), q)
	if err != nil {
		t.Fatalf("Correlation() error = %v", err)
	}
	if len(got.Pairs) != 0 || len(got.Omitted) != 1 {
		t.Fatalf("result = %+v, want the flat pair omitted", got)
	}
}

package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/store"
)

func TestRuleEvaluate(t *testing.T) {
	t.Parallel()

	above := Rule{Metric: "review-time", Comparator: Above, Threshold: 48, Priority: 2,
		Template: "review time %.1fh exceeds %.0fh"}
	if _, fired := above.Evaluate(48); fired {
		t.Fatal("rule fired at exactly the threshold; the comparison is strict")
	}
	recommendation, fired := above.Evaluate(60)
	if !fired {
		t.Fatal("rule did not fire above the threshold")
	}
	if recommendation.Message != "review time 60.0h exceeds 48h" {
		t.Fatalf("message = %q, want the rendered template", recommendation.Message)
	}

	below := Rule{Metric: "deployment-reliability", Comparator: Below, Threshold: 0.9, Priority: 1,
		Template: "%.2f below %.2f"}
	if _, fired := below.Evaluate(0.9); fired {
		t.Fatal("below rule fired at exactly the threshold")
	}
	if _, fired := below.Evaluate(0.5); !fired {
		t.Fatal("below rule did not fire under the threshold")
	}
}

func TestRecommendationsFireAndSortByPriority(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	seedDeployWorkflow(t, entityStore)

	// One success, one failure: reliability 0.5, under the 0.90 target.
	when := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	seedRun(t, entityStore, "r1", "wf-deploy", "success", "", when)
	seedRun(t, entityStore, "r2", "wf-deploy", "failure", "", when)

	// A review landing 72h after PR creation, over the 48h target.
	created := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	merged := created.Add(48 * time.Hour)
	seedPR(t, entityStore, store.PullRequest{
		SourceID: "gh", NativeID: "pr-1", CreatedAt: created, MergedAt: &merged,
		Additions: 20, Deletions: 5,
	})
	seedReview(t, entityStore, store.Review{
		SourceID: "gh", NativeID: "rev-1", PRNativeID: "pr-1",
		Reviewer: "alice", State: store.ReviewApproved, SubmittedAt: created.Add(72 * time.Hour),
	})

	engine := newTestEngine(t, entityStore, config.MetricsConfig{})
	got, err := engine.Recommendations(context.Background(), weekQuery())
	if err != nil {
		t.Fatalf("Recommendations() error = %v", err)
	}
	if len(got.Recommendations) != 2 {
		t.Fatalf("recommendations = %v, want reliability and review time only", got.Recommendations)
	}
	first, second := got.Recommendations[0], got.Recommendations[1]
	if first.Metric != "deployment-reliability" || first.Priority != 1 {
		t.Fatalf("first = %+v, want the priority-1 reliability rule", first)
	}
	if second.Metric != "review-time" || second.Priority != 2 {
		t.Fatalf("second = %+v, want the review-time rule", second)
	}
	if !strings.Contains(first.Message, "0.50") {
		t.Fatalf("message = %q, want the observed ratio rendered", first.Message)
	}
}

func TestRecommendationsSilentOnEmptyData(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, store.NewMemoryStore(), config.MetricsConfig{})
	got, err := engine.Recommendations(context.Background(), weekQuery())
	if err != nil {
		t.Fatalf("Recommendations() error = %v", err)
	}
	// Metrics without records are absent from the evaluation; a silent store
	// never reads as a sea of alerts.
	if len(got.Recommendations) != 0 {
		t.Fatalf("recommendations = %v, want none", got.Recommendations)
	}
}

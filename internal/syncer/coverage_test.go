package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/store"
)

func TestCoverageSummaryCountsGaps(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	ctx := context.Background()

	// Three observed days over a five-day span: two silent gap days.
	days := []string{"2026-05-01", "2026-05-02", "2026-05-05"}
	for i, day := range days {
		when, _ := time.Parse("2006-01-02", day)
		if err := entityStore.UpsertCommit(ctx, store.Commit{
			SourceID: "gh", SHA: string(rune('a' + i)), CommittedAt: when,
		}); err != nil {
			t.Fatalf("UpsertCommit() error = %v", err)
		}
	}

	conn := &fakeConnector{id: "gh", kind: config.KindGitHub, result: connector.Result{Status: connector.StatusOK}}
	o := newTestOrchestrator([]connector.Connector{conn}, entityStore, nil)

	summaries, err := o.Coverage(ctx)
	if err != nil {
		t.Fatalf("Coverage() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	got := summaries[0]
	if got.Days != 3 {
		t.Fatalf("days = %d, want 3", got.Days)
	}
	if got.FirstDay != "2026-05-01" || got.LastDay != "2026-05-05" {
		t.Fatalf("range = %s..%s, want 2026-05-01..2026-05-05", got.FirstDay, got.LastDay)
	}
	if got.GapDays != 2 {
		t.Fatalf("gap days = %d, want 2", got.GapDays)
	}
}

func TestCoverageDailyFlagsEmptyDays(t *testing.T) {
	t.Parallel()

	entityStore := store.NewMemoryStore()
	ctx := context.Background()

	today := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	if err := entityStore.UpsertPullRequest(ctx, store.PullRequest{
		SourceID: "gh", NativeID: "1", CreatedAt: today.AddDate(0, 0, -2),
	}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}

	o := newTestOrchestrator(nil, entityStore, nil)
	o.Now = func() time.Time { return today }

	report, err := o.CoverageDaily(ctx, 3)
	if err != nil {
		t.Fatalf("CoverageDaily() error = %v", err)
	}
	if len(report) != 3 {
		t.Fatalf("report length = %d, want 3", len(report))
	}
	if report[0].Day != "2026-06-08" || report[0].Gap || report[0].Entities != 1 {
		t.Fatalf("report[0] = %+v, want the active day with one entity", report[0])
	}
	if !report[1].Gap || !report[2].Gap {
		t.Fatalf("report = %+v, want the empty days flagged as gaps, never omitted", report)
	}
}

func TestCoverageDailyDefaultWindow(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(nil, store.NewMemoryStore(), nil)
	o.Now = func() time.Time { return time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC) }

	report, err := o.CoverageDaily(context.Background(), 0)
	if err != nil {
		t.Fatalf("CoverageDaily() error = %v", err)
	}
	if len(report) != 30 {
		t.Fatalf("report length = %d, want the 30-day default", len(report))
	}
}

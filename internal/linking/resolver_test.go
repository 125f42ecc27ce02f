package linking

import (
	"context"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/store"
)

func seedTeams(t *testing.T, s store.Store) {
	t.Helper()
	if err := s.UpsertIssueTeam(context.Background(), store.IssueTeam{
		SourceID: "tracker", NativeID: "team-1", Key: "ENG", Name: "Engineering",
	}); err != nil {
		t.Fatalf("UpsertIssueTeam() error = %v", err)
	}
}

func TestResolveBranchMatchBeatsTitleMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	seedTeams(t, s)

	if err := s.UpsertIssue(ctx, store.Issue{
		SourceID: "tracker", NativeID: "iss-1", Identifier: "ENG-42",
	}); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}

	// The title-only match sorts first by native id, but branch matches run
	// as a full pass before any title match is considered.
	prs := []store.PullRequest{
		{SourceID: "gh", NativeID: "pr-1", Title: "Fix ENG-42 flakiness", Branch: "misc/cleanup"},
		{SourceID: "gh", NativeID: "pr-2", Title: "unrelated", Branch: "eng-42-fix-flaky-test"},
	}
	for _, pr := range prs {
		if err := s.UpsertPullRequest(ctx, pr); err != nil {
			t.Fatalf("UpsertPullRequest() error = %v", err)
		}
	}

	resolver := NewResolver(s, nil)
	if err := resolver.Resolve(ctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	issues, _ := s.ListIssues(ctx, store.Filter{})
	if issues[0].LinkedPRNativeID != "pr-2" {
		t.Fatalf("linked PR = %q, want the branch-name match pr-2", issues[0].LinkedPRNativeID)
	}
}

func TestResolveMatchesAreExact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	seedTeams(t, s)

	if err := s.UpsertIssue(ctx, store.Issue{
		SourceID: "tracker", NativeID: "iss-1", Identifier: "ENG-4",
	}); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}

	// ENG-42 must not match ENG-4, and an unknown team key never matches.
	prs := []store.PullRequest{
		{SourceID: "gh", NativeID: "pr-1", Title: "ENG-42 something else"},
		{SourceID: "gh", NativeID: "pr-2", Title: "OPS-4 unrelated team"},
		{SourceID: "gh", NativeID: "pr-3", Title: "closes eng-4", Branch: ""},
	}
	for _, pr := range prs {
		if err := s.UpsertPullRequest(ctx, pr); err != nil {
			t.Fatalf("UpsertPullRequest() error = %v", err)
		}
	}

	resolver := NewResolver(s, nil)
	if err := resolver.Resolve(ctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	issues, _ := s.ListIssues(ctx, store.Filter{})
	if issues[0].LinkedPRNativeID != "pr-3" {
		t.Fatalf("linked PR = %q, want only the exact case-insensitive match pr-3", issues[0].LinkedPRNativeID)
	}
}

func TestResolveIsStableAcrossReruns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	seedTeams(t, s)

	if err := s.UpsertIssue(ctx, store.Issue{
		SourceID: "tracker", NativeID: "iss-1", Identifier: "ENG-7",
	}); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}
	if err := s.UpsertPullRequest(ctx, store.PullRequest{
		SourceID: "gh", NativeID: "pr-1", Branch: "eng-7",
	}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}

	resolver := NewResolver(s, nil)
	if err := resolver.Resolve(ctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// A competing PR appears later; the established link must survive.
	if err := s.UpsertPullRequest(ctx, store.PullRequest{
		SourceID: "gh", NativeID: "pr-0", Branch: "eng-7-retry",
	}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}
	if err := resolver.Resolve(ctx); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}

	issues, _ := s.ListIssues(ctx, store.Filter{})
	if issues[0].LinkedPRNativeID != "pr-1" {
		t.Fatalf("linked PR = %q, want the original pr-1 kept", issues[0].LinkedPRNativeID)
	}
}

func TestBuildIndexCherryPickTieBreak(t *testing.T) {
	t.Parallel()

	early := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	prs := []store.PullRequest{
		{SourceID: "gh", NativeID: "pr-late", MergedAt: &late},
		{SourceID: "gh", NativeID: "pr-early", MergedAt: &early},
	}
	// The same sha was cherry-picked into both PRs.
	commits := []store.Commit{
		{SourceID: "gh", SHA: "abc", PRNativeID: "pr-late", CommittedAt: early.Add(-time.Hour)},
		{SourceID: "gh", SHA: "abc", PRNativeID: "pr-early", CommittedAt: early.Add(-time.Hour)},
	}

	index := BuildIndex(prs, commits)
	pr, ok := index.AttributePR("abc")
	if !ok {
		t.Fatal("AttributePR() miss, want a hit")
	}
	if pr.NativeID != "pr-early" {
		t.Fatalf("attributed PR = %q, want the first-merged pr-early", pr.NativeID)
	}
}

func TestBuildIndexMergeCommitAndFirstCommit(t *testing.T) {
	t.Parallel()

	merged := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	prs := []store.PullRequest{
		{SourceID: "gh", NativeID: "pr-1", MergeCommitSHA: "merge-sha", MergedAt: &merged},
	}
	commits := []store.Commit{
		{SourceID: "gh", SHA: "c2", PRNativeID: "pr-1", CommittedAt: merged.Add(-2 * time.Hour)},
		{SourceID: "gh", SHA: "c1", PRNativeID: "pr-1", CommittedAt: merged.Add(-30 * time.Hour)},
		{SourceID: "gh", SHA: "stray", CommittedAt: merged},
	}

	index := BuildIndex(prs, commits)

	if pr, ok := index.AttributePR("merge-sha"); !ok || pr.NativeID != "pr-1" {
		t.Fatalf("AttributePR(merge-sha) = %v %v, want pr-1", pr, ok)
	}
	if pr, ok := index.AttributePR("c2"); !ok || pr.NativeID != "pr-1" {
		t.Fatalf("AttributePR(c2) = %v %v, want pr-1", pr, ok)
	}
	if _, ok := index.AttributePR("stray"); ok {
		t.Fatal("AttributePR(stray) hit; commits without a PR ref must not attribute")
	}

	first, ok := index.FirstCommit("pr-1")
	if !ok || first.SHA != "c1" {
		t.Fatalf("FirstCommit() = %+v %v, want the earliest commit c1", first, ok)
	}
}

func TestResolveWithoutTeamsIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.UpsertIssue(ctx, store.Issue{SourceID: "tracker", NativeID: "iss-1", Identifier: "ENG-1"}); err != nil {
		t.Fatalf("UpsertIssue() error = %v", err)
	}
	if err := s.UpsertPullRequest(ctx, store.PullRequest{SourceID: "gh", NativeID: "pr-1", Title: "ENG-1"}); err != nil {
		t.Fatalf("UpsertPullRequest() error = %v", err)
	}

	resolver := NewResolver(s, nil)
	if err := resolver.Resolve(ctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	issues, _ := s.ListIssues(ctx, store.Filter{})
	if issues[0].LinkedPRNativeID != "" {
		t.Fatalf("linked PR = %q, want none without known team keys", issues[0].LinkedPRNativeID)
	}
}

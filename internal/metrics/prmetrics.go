package metrics

import (
	"context"
	"sort"

	"github.com/devpulse/devpulse/internal/store"
)

// DurationMetricResult is the shared shape of review, merge, and cycle time.
type DurationMetricResult struct {
	Distribution Distribution `json:"distribution"`
	Trend        []Bucket     `json:"trend,omitempty"`
	Benchmark    *Benchmark   `json:"benchmark,omitempty"`
}

// ReviewTime measures PR creation to the earliest review of any state.
// PRs never reviewed, or reviewed outside the range, are excluded.
func (e *Engine) ReviewTime(ctx context.Context, q Query) (*DurationMetricResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	earliest := make(map[string]store.Review)
	for _, review := range snap.reviews {
		current, ok := earliest[review.PRNativeID]
		if !ok || review.SubmittedAt.Before(current.SubmittedAt) {
			earliest[review.PRNativeID] = review
		}
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	var samples []float64
	byBucket := make(map[string][]float64)
	for _, pr := range snap.prs {
		review, ok := earliest[pr.NativeID]
		if !ok || !inRange(review.SubmittedAt, q.Start, q.End) {
			continue
		}
		elapsed := review.SubmittedAt.Sub(pr.CreatedAt)
		if elapsed < 0 {
			continue
		}
		samples = append(samples, hours(elapsed))
		key := bucketKey(review.SubmittedAt, q.Period)
		byBucket[key] = append(byBucket[key], hours(elapsed))
	}

	result := &DurationMetricResult{
		Distribution: Distribution{
			Count:       len(samples),
			MeanHours:   mean(samples),
			MedianHours: median(samples),
		},
	}
	if q.IncludeTrend {
		result.Trend = averageSeries(grid, byBucket)
	}
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: 24, Unit: "hours"}
	}
	return result, nil
}

// MergeTime measures PR creation to merge. Unmerged PRs, or PRs merged
// outside the range, are excluded.
func (e *Engine) MergeTime(ctx context.Context, q Query) (*DurationMetricResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	var samples []float64
	byBucket := make(map[string][]float64)
	for _, pr := range snap.prs {
		if pr.MergedAt == nil || !inRange(*pr.MergedAt, q.Start, q.End) {
			continue
		}
		elapsed := pr.MergedAt.Sub(pr.CreatedAt)
		if elapsed < 0 {
			continue
		}
		samples = append(samples, hours(elapsed))
		key := bucketKey(*pr.MergedAt, q.Period)
		byBucket[key] = append(byBucket[key], hours(elapsed))
	}

	result := &DurationMetricResult{
		Distribution: Distribution{
			Count:       len(samples),
			MeanHours:   mean(samples),
			MedianHours: median(samples),
		},
	}
	if q.IncludeTrend {
		result.Trend = averageSeries(grid, byBucket)
	}
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: 48, Unit: "hours"}
	}
	return result, nil
}

// CycleTime measures issue creation to the merge of its linked pull
// request. Issues without a resolved link are excluded, never zero-filled.
func (e *Engine) CycleTime(ctx context.Context, q Query) (*DurationMetricResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	prByNativeID := make(map[string]store.PullRequest, len(snap.prs))
	for _, pr := range snap.prs {
		prByNativeID[pr.NativeID] = pr
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	var samples []float64
	byBucket := make(map[string][]float64)
	for _, issue := range snap.issues {
		if issue.LinkedPRNativeID == "" {
			continue
		}
		pr, ok := prByNativeID[issue.LinkedPRNativeID]
		if !ok || pr.MergedAt == nil || !inRange(*pr.MergedAt, q.Start, q.End) {
			continue
		}
		elapsed := pr.MergedAt.Sub(issue.CreatedAt)
		if elapsed < 0 {
			continue
		}
		samples = append(samples, hours(elapsed))
		key := bucketKey(*pr.MergedAt, q.Period)
		byBucket[key] = append(byBucket[key], hours(elapsed))
	}

	result := &DurationMetricResult{
		Distribution: Distribution{
			Count:       len(samples),
			MeanHours:   mean(samples),
			MedianHours: median(samples),
		},
	}
	if q.IncludeTrend {
		result.Trend = averageSeries(grid, byBucket)
	}
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: 168, Unit: "hours"}
	}
	return result, nil
}

// ThroughputResult reports merged PRs and completed issues per bucket.
type ThroughputResult struct {
	PRsMerged       int      `json:"prs_merged"`
	IssuesCompleted int      `json:"issues_completed"`
	PRTrend         []Bucket `json:"pr_trend,omitempty"`
	IssueTrend      []Bucket `json:"issue_trend,omitempty"`
}

// Throughput counts PRs merged and issues completed per period bucket.
func (e *Engine) Throughput(ctx context.Context, q Query) (*ThroughputResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	prCounts := make(map[string]float64)
	issueCounts := make(map[string]float64)
	result := &ThroughputResult{}
	for _, pr := range snap.prs {
		if pr.MergedAt == nil || !inRange(*pr.MergedAt, q.Start, q.End) {
			continue
		}
		prCounts[bucketKey(*pr.MergedAt, q.Period)]++
		result.PRsMerged++
	}
	for _, issue := range snap.issues {
		if issue.CompletedAt == nil || !inRange(*issue.CompletedAt, q.Start, q.End) {
			continue
		}
		issueCounts[bucketKey(*issue.CompletedAt, q.Period)]++
		result.IssuesCompleted++
	}
	if q.IncludeTrend {
		result.PRTrend = series(grid, prCounts)
		result.IssueTrend = series(grid, issueCounts)
	}
	return result, nil
}

// Tunable PR health policy. The weights are policy, not contract; only the
// 0-100 scale and the label mapping are fixed.
const (
	healthSizeWeight   = 0.30
	healthReviewWeight = 0.30
	healthMergeWeight  = 0.25
	healthReworkWeight = 0.15
	healthySizeLines   = 400.0
	healthyMergeHours  = 72.0
	healthyLabelFloor  = 70.0
	atRiskLabelFloor   = 40.0
)

// PRHealthEntry is one scored pull request.
type PRHealthEntry struct {
	PRNativeID string  `json:"pr_native_id"`
	Repo       string  `json:"repo"`
	Number     int     `json:"number"`
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
}

// PRHealthResult aggregates health scores over PRs merged in range.
type PRHealthResult struct {
	Count        int             `json:"count"`
	AverageScore float64         `json:"average_score"`
	Healthy      int             `json:"healthy"`
	AtRisk       int             `json:"at_risk"`
	Unhealthy    int             `json:"unhealthy"`
	Worst        []PRHealthEntry `json:"worst,omitempty"`
	Benchmark    *Benchmark      `json:"benchmark,omitempty"`
}

// PRHealth scores merged PRs on size, review coverage, time to merge, and
// rework signals, mapped to 0-100 with a categorical label.
func (e *Engine) PRHealth(ctx context.Context, q Query) (*PRHealthResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	reviewsByPR := make(map[string][]store.Review)
	for _, review := range snap.reviews {
		reviewsByPR[review.PRNativeID] = append(reviewsByPR[review.PRNativeID], review)
	}

	var entries []PRHealthEntry
	var scores []float64
	result := &PRHealthResult{}
	for _, pr := range snap.prs {
		if pr.MergedAt == nil || !inRange(*pr.MergedAt, q.Start, q.End) {
			continue
		}

		score := prHealthScore(pr, reviewsByPR[pr.NativeID])
		label := healthLabel(score)
		switch label {
		case "healthy":
			result.Healthy++
		case "at_risk":
			result.AtRisk++
		default:
			result.Unhealthy++
		}
		scores = append(scores, score)
		entries = append(entries, PRHealthEntry{
			PRNativeID: pr.NativeID,
			Repo:       pr.RepoNativeID,
			Number:     pr.Number,
			Score:      score,
			Label:      label,
		})
	}

	result.Count = len(scores)
	result.AverageScore = mean(scores)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score })
	if len(entries) > 10 {
		entries = entries[:10]
	}
	result.Worst = entries
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: healthyLabelFloor, Unit: "score"}
	}
	return result, nil
}

func prHealthScore(pr store.PullRequest, reviews []store.Review) float64 {
	size := float64(pr.Additions + pr.Deletions)
	sizeScore := clamp01(1 - size/(2*healthySizeLines))

	reviewScore := 0.0
	rework := 0
	for _, review := range reviews {
		if review.State == store.ReviewChangesRequested {
			rework++
		}
	}
	if len(reviews) > 0 {
		reviewScore = 1.0
	}
	reworkScore := clamp01(1 - float64(rework)/3)

	mergeScore := 0.0
	if pr.MergedAt != nil {
		elapsed := hours(pr.MergedAt.Sub(pr.CreatedAt))
		mergeScore = clamp01(1 - elapsed/(2*healthyMergeHours))
	}

	composite := healthSizeWeight*sizeScore +
		healthReviewWeight*reviewScore +
		healthMergeWeight*mergeScore +
		healthReworkWeight*reworkScore
	return composite * 100
}

func healthLabel(score float64) string {
	switch {
	case score >= healthyLabelFloor:
		return "healthy"
	case score >= atRiskLabelFloor:
		return "at_risk"
	default:
		return "unhealthy"
	}
}

// ReviewerLoad is one reviewer's share of the review volume.
type ReviewerLoad struct {
	Reviewer string  `json:"reviewer"`
	Reviews  int     `json:"reviews"`
	Share    float64 `json:"share"`
}

// ReviewerWorkloadResult reports the review distribution and its Gini
// coefficient.
type ReviewerWorkloadResult struct {
	TotalReviews int            `json:"total_reviews"`
	Reviewers    []ReviewerLoad `json:"reviewers"`
	Gini         float64        `json:"gini"`
}

// ReviewerWorkload counts reviews per reviewer in range. Gini runs from 0,
// perfectly even, to 1, maximally concentrated.
func (e *Engine) ReviewerWorkload(ctx context.Context, q Query) (*ReviewerWorkloadResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	total := 0
	for _, review := range snap.reviews {
		if !inRange(review.SubmittedAt, q.Start, q.End) {
			continue
		}
		counts[review.Reviewer]++
		total++
	}

	result := &ReviewerWorkloadResult{TotalReviews: total}
	values := make([]float64, 0, len(counts))
	for reviewer, count := range counts {
		load := ReviewerLoad{Reviewer: reviewer, Reviews: count}
		if total > 0 {
			load.Share = float64(count) / float64(total)
		}
		result.Reviewers = append(result.Reviewers, load)
		values = append(values, float64(count))
	}
	sort.Slice(result.Reviewers, func(i, j int) bool {
		if result.Reviewers[i].Reviews != result.Reviewers[j].Reviews {
			return result.Reviewers[i].Reviews > result.Reviewers[j].Reviews
		}
		return result.Reviewers[i].Reviewer < result.Reviewers[j].Reviewer
	})
	result.Gini = gini(values)
	return result, nil
}

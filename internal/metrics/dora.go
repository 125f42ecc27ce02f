package metrics

import (
	"context"
)

// DeploymentFrequencyResult reports successful deployment-run counts.
type DeploymentFrequencyResult struct {
	Total     int        `json:"total"`
	Buckets   int        `json:"buckets"`
	Average   float64    `json:"average_per_bucket"`
	Trend     []Bucket   `json:"trend,omitempty"`
	Benchmark *Benchmark `json:"benchmark,omitempty"`
}

// DeploymentFrequency counts workflow runs on deployment-tagged workflows
// that concluded successfully, bucketed by period. The average divides by
// every bucket in the range, including empty ones.
func (e *Engine) DeploymentFrequency(ctx context.Context, q Query) (*DeploymentFrequencyResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	counts := make(map[string]float64)
	total := 0
	for _, run := range snap.runs {
		if !snap.isDeploymentRun(run) || run.Conclusion != "success" {
			continue
		}
		completed := runCompletion(run)
		if !inRange(completed, q.Start, q.End) {
			continue
		}
		counts[bucketKey(completed, q.Period)]++
		total++
	}

	result := &DeploymentFrequencyResult{
		Total:   total,
		Buckets: len(grid),
	}
	if len(grid) > 0 {
		result.Average = float64(total) / float64(len(grid))
	}
	if q.IncludeTrend {
		result.Trend = series(grid, counts)
	}
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: 1, Unit: "deployments/day"}
	}
	return result, nil
}

// LeadTimeResult reports the first-commit-to-deployment distribution.
type LeadTimeResult struct {
	Distribution Distribution `json:"distribution"`
	Trend        []Bucket     `json:"trend,omitempty"`
	Benchmark    *Benchmark   `json:"benchmark,omitempty"`
}

// LeadTime traces each attributed deployment back through its pull request
// to the first commit authored on the branch. Runs that cannot be
// attributed, or PRs without a known first commit, are excluded rather than
// failing the query.
func (e *Engine) LeadTime(ctx context.Context, q Query) (*LeadTimeResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	var samples []float64
	byBucket := make(map[string][]float64)
	for _, run := range snap.runs {
		if !snap.isDeploymentRun(run) || run.Conclusion != "success" || run.CompletedAt == nil {
			continue
		}
		if !inRange(*run.CompletedAt, q.Start, q.End) {
			continue
		}
		pr, ok := snap.index.AttributePR(run.HeadSHA)
		if !ok {
			continue
		}
		first, ok := snap.index.FirstCommit(pr.NativeID)
		if !ok {
			continue
		}
		lead := run.CompletedAt.Sub(first.CommittedAt)
		if lead < 0 {
			// Clock skew or a malformed record; exclude, don't fail.
			continue
		}
		samples = append(samples, hours(lead))
		key := bucketKey(*run.CompletedAt, q.Period)
		byBucket[key] = append(byBucket[key], hours(lead))
	}

	result := &LeadTimeResult{
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

// DeploymentReliabilityResult reports success/failure over all runs.
type DeploymentReliabilityResult struct {
	TotalRuns      int        `json:"total_runs"`
	SuccessfulRuns int        `json:"successful_runs"`
	FailedRuns     int        `json:"failed_runs"`
	StabilityScore float64    `json:"stability_score"`
	Trend          []Bucket   `json:"trend,omitempty"`
	Benchmark      *Benchmark `json:"benchmark,omitempty"`
}

// DeploymentReliability scores success over all completed runs in range,
// not just deployment-tagged ones. The stability score is clamped to [0,1].
func (e *Engine) DeploymentReliability(ctx context.Context, q Query) (*DeploymentReliabilityResult, error) {
	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}

	grid := bucketGrid(q.Start, q.End, q.Period)
	successByBucket := make(map[string][]float64)
	result := &DeploymentReliabilityResult{}
	for _, run := range snap.runs {
		if run.Conclusion == "" {
			// Still executing; not a completed run.
			continue
		}
		completed := runCompletion(run)
		if !inRange(completed, q.Start, q.End) {
			continue
		}
		result.TotalRuns++
		key := bucketKey(completed, q.Period)
		switch run.Conclusion {
		case "success":
			result.SuccessfulRuns++
			successByBucket[key] = append(successByBucket[key], 1)
		case "failure":
			result.FailedRuns++
			successByBucket[key] = append(successByBucket[key], 0)
		default:
			// cancelled, skipped and friends count against neither side of
			// the per-bucket ratio but do appear in the total.
			successByBucket[key] = append(successByBucket[key], 0)
		}
	}
	if result.TotalRuns > 0 {
		result.StabilityScore = clamp01(float64(result.SuccessfulRuns) / float64(result.TotalRuns))
	}
	if q.IncludeTrend {
		result.Trend = averageSeries(grid, successByBucket)
	}
	if q.IncludeBenchmark {
		result.Benchmark = &Benchmark{Target: 0.95, Unit: "ratio"}
	}
	return result, nil
}

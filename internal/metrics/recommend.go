package metrics

import (
	"context"
	"fmt"
	"sort"
)

// Comparator selects the direction of a rule's threshold check.
type Comparator string

const (
	// Above fires when the observed value exceeds the threshold.
	Above Comparator = "above"
	// Below fires when the observed value falls under the threshold.
	Below Comparator = "below"
)

// Rule is one declarative recommendation: a metric, a comparator, a
// threshold, and a message template receiving the observed value and the
// threshold.
type Rule struct {
	Metric     string
	Comparator Comparator
	Threshold  float64
	Priority   int
	Template   string
}

// Evaluate applies the rule to an observed value.
func (r Rule) Evaluate(value float64) (Recommendation, bool) {
	fired := false
	switch r.Comparator {
	case Above:
		fired = value > r.Threshold
	case Below:
		fired = value < r.Threshold
	}
	if !fired {
		return Recommendation{}, false
	}
	return Recommendation{
		Metric:   r.Metric,
		Priority: r.Priority,
		Value:    value,
		Message:  fmt.Sprintf(r.Template, value, r.Threshold),
	}, true
}

// Recommendation is one fired rule, ready for display.
type Recommendation struct {
	Metric   string  `json:"metric"`
	Priority int     `json:"priority"`
	Value    float64 `json:"value"`
	Message  string  `json:"message"`
}

// RecommendationsResult is the prioritized rule-evaluation outcome.
type RecommendationsResult struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// defaultRules is the shipped policy. Lower priority number means more
// urgent.
var defaultRules = []Rule{
	{Metric: "deployment-reliability", Comparator: Below, Threshold: 0.90, Priority: 1,
		Template: "run success ratio %.2f is below the %.2f stability target; investigate failing workflows"},
	{Metric: "review-time", Comparator: Above, Threshold: 48, Priority: 2,
		Template: "average review time %.1fh exceeds the %.0fh target; rebalance reviewer load or shrink PRs"},
	{Metric: "merge-time", Comparator: Above, Threshold: 96, Priority: 2,
		Template: "average merge time %.1fh exceeds the %.0fh target; PRs are sitting after approval"},
	{Metric: "cycle-time", Comparator: Above, Threshold: 336, Priority: 3,
		Template: "average cycle time %.1fh exceeds the %.0fh target; issues stay open too long after work starts"},
	{Metric: "deployment-frequency", Comparator: Below, Threshold: 0.5, Priority: 3,
		Template: "deployment frequency %.2f per bucket is below the %.1f target; consider smaller, more frequent releases"},
	{Metric: "reviewer-workload", Comparator: Above, Threshold: 0.6, Priority: 2,
		Template: "review load Gini %.2f exceeds %.1f; reviews are concentrated on too few people"},
	{Metric: "pr-health", Comparator: Below, Threshold: 55, Priority: 3,
		Template: "average PR health %.1f is below %.0f; large or under-reviewed PRs dominate"},
}

// Recommendations evaluates the rule set against current metric values and
// returns the fired rules sorted by priority.
func (e *Engine) Recommendations(ctx context.Context, q Query) (*RecommendationsResult, error) {
	values, err := e.currentValues(ctx, q)
	if err != nil {
		return nil, err
	}

	result := &RecommendationsResult{Recommendations: []Recommendation{}}
	for _, rule := range defaultRules {
		value, ok := values[rule.Metric]
		if !ok {
			continue
		}
		if recommendation, fired := rule.Evaluate(value); fired {
			result.Recommendations = append(result.Recommendations, recommendation)
		}
	}
	sort.SliceStable(result.Recommendations, func(i, j int) bool {
		return result.Recommendations[i].Priority < result.Recommendations[j].Priority
	})
	return result, nil
}

// currentValues computes the point value of each rule-backed metric.
// Metrics with no includable records are absent, so their rules do not fire
// on empty data.
func (e *Engine) currentValues(ctx context.Context, q Query) (map[string]float64, error) {
	values := make(map[string]float64)

	reliability, err := e.DeploymentReliability(ctx, q)
	if err != nil {
		return nil, err
	}
	if reliability.TotalRuns > 0 {
		values["deployment-reliability"] = reliability.StabilityScore
	}

	frequency, err := e.DeploymentFrequency(ctx, q)
	if err != nil {
		return nil, err
	}
	if frequency.Total > 0 {
		values["deployment-frequency"] = frequency.Average
	}

	review, err := e.ReviewTime(ctx, q)
	if err != nil {
		return nil, err
	}
	if review.Distribution.Count > 0 {
		values["review-time"] = review.Distribution.MeanHours
	}

	merge, err := e.MergeTime(ctx, q)
	if err != nil {
		return nil, err
	}
	if merge.Distribution.Count > 0 {
		values["merge-time"] = merge.Distribution.MeanHours
	}

	cycle, err := e.CycleTime(ctx, q)
	if err != nil {
		return nil, err
	}
	if cycle.Distribution.Count > 0 {
		values["cycle-time"] = cycle.Distribution.MeanHours
	}

	workload, err := e.ReviewerWorkload(ctx, q)
	if err != nil {
		return nil, err
	}
	if workload.TotalReviews > 0 {
		values["reviewer-workload"] = workload.Gini
	}

	health, err := e.PRHealth(ctx, q)
	if err != nil {
		return nil, err
	}
	if health.Count > 0 {
		values["pr-health"] = health.AverageScore
	}

	return values, nil
}

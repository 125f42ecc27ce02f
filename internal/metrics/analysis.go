package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
)

const (
	defaultAnomalyWindow         = 6
	defaultAnomalySigma          = 2.0
	defaultCorrelationMinOverlap = 4
)

func (e *Engine) anomalyWindow() int {
	if e.cfg.AnomalyWindow > 0 {
		return e.cfg.AnomalyWindow
	}
	return defaultAnomalyWindow
}

func (e *Engine) anomalySigma() float64 {
	if e.cfg.AnomalySigma > 0 {
		return e.cfg.AnomalySigma
	}
	return defaultAnomalySigma
}

func (e *Engine) correlationMinOverlap() int {
	if e.cfg.CorrelationMinOverlap > 0 {
		return e.cfg.CorrelationMinOverlap
	}
	return defaultCorrelationMinOverlap
}

// seriesFor computes the bucketed series of one metric as sparse non-null
// points. Count metrics are dense (an empty bucket is a real zero);
// duration metrics are null where no sample exists.
func (e *Engine) seriesFor(name string, snap *snapshot, q Query, grid []string) (map[string]float64, error) {
	points := make(map[string]float64)
	switch name {
	case "deployment-frequency":
		for _, key := range grid {
			points[key] = 0
		}
		for _, run := range snap.runs {
			if !snap.isDeploymentRun(run) || run.Conclusion != "success" {
				continue
			}
			completed := runCompletion(run)
			if inRange(completed, q.Start, q.End) {
				points[bucketKey(completed, q.Period)]++
			}
		}
	case "throughput":
		for _, key := range grid {
			points[key] = 0
		}
		for _, pr := range snap.prs {
			if pr.MergedAt != nil && inRange(*pr.MergedAt, q.Start, q.End) {
				points[bucketKey(*pr.MergedAt, q.Period)]++
			}
		}
	case "review-time":
		samples := make(map[string][]float64)
		earliest := make(map[string]int)
		for i, review := range snap.reviews {
			if j, ok := earliest[review.PRNativeID]; !ok || review.SubmittedAt.Before(snap.reviews[j].SubmittedAt) {
				earliest[review.PRNativeID] = i
			}
		}
		for _, pr := range snap.prs {
			i, ok := earliest[pr.NativeID]
			if !ok {
				continue
			}
			review := snap.reviews[i]
			if !inRange(review.SubmittedAt, q.Start, q.End) {
				continue
			}
			if elapsed := review.SubmittedAt.Sub(pr.CreatedAt); elapsed >= 0 {
				key := bucketKey(review.SubmittedAt, q.Period)
				samples[key] = append(samples[key], hours(elapsed))
			}
		}
		for key, values := range samples {
			points[key] = mean(values)
		}
	case "merge-time":
		samples := make(map[string][]float64)
		for _, pr := range snap.prs {
			if pr.MergedAt == nil || !inRange(*pr.MergedAt, q.Start, q.End) {
				continue
			}
			if elapsed := pr.MergedAt.Sub(pr.CreatedAt); elapsed >= 0 {
				key := bucketKey(*pr.MergedAt, q.Period)
				samples[key] = append(samples[key], hours(elapsed))
			}
		}
		for key, values := range samples {
			points[key] = mean(values)
		}
	case "assistant-acceptances":
		for _, record := range snap.usage {
			if inRange(record.Day, q.Start, q.End) {
				points[bucketKey(record.Day, q.Period)] += float64(record.Acceptances)
			}
		}
	default:
		return nil, fmt.Errorf("%w: no bucketed series for %s", ErrUnknownMetric, name)
	}
	return points, nil
}

// Anomaly is one flagged bucket with its deviation from the trailing
// baseline.
type Anomaly struct {
	Key          string  `json:"key"`
	Value        float64 `json:"value"`
	BaselineMean float64 `json:"baseline_mean"`
	Deviation    float64 `json:"deviation"`
	Sigmas       float64 `json:"sigmas"`
}

// AnomalyResult reports flagged buckets for one metric series.
type AnomalyResult struct {
	Metric    string    `json:"metric"`
	Window    int       `json:"window"`
	Sigma     float64   `json:"sigma"`
	Anomalies []Anomaly `json:"anomalies"`
	Series    []Bucket  `json:"series,omitempty"`
}

// Anomalies flags buckets deviating from a trailing-window baseline by more
// than the configured multiple of standard deviation. The comparison is
// strictly greater: a bucket exactly at mean plus sigma times stddev is not
// flagged.
func (e *Engine) Anomalies(ctx context.Context, q Query) (*AnomalyResult, error) {
	target := "deployment-frequency"
	if len(q.Metrics) > 0 {
		target = q.Metrics[0]
	}

	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}
	grid := bucketGrid(q.Start, q.End, q.Period)
	points, err := e.seriesFor(target, snap, q, grid)
	if err != nil {
		return nil, err
	}

	window := e.anomalyWindow()
	sigma := e.anomalySigma()
	result := &AnomalyResult{
		Metric:    target,
		Window:    window,
		Sigma:     sigma,
		Anomalies: []Anomaly{},
	}

	values := make([]float64, len(grid))
	for i, key := range grid {
		values[i] = points[key]
	}
	for i := window; i < len(values); i++ {
		baseline := values[i-window : i]
		baseMean := mean(baseline)
		baseStd := stddev(baseline)
		deviation := math.Abs(values[i] - baseMean)
		threshold := sigma * baseStd
		if deviation > threshold {
			sigmas := 0.0
			if baseStd > 0 {
				sigmas = deviation / baseStd
			}
			result.Anomalies = append(result.Anomalies, Anomaly{
				Key:          grid[i],
				Value:        values[i],
				BaselineMean: baseMean,
				Deviation:    deviation,
				Sigmas:       sigmas,
			})
		}
	}
	if q.IncludeTrend {
		result.Series = series(grid, points)
	}
	return result, nil
}

// CorrelationPair is the Pearson coefficient for one metric pair.
type CorrelationPair struct {
	MetricA     string  `json:"metric_a"`
	MetricB     string  `json:"metric_b"`
	Coefficient float64 `json:"coefficient"`
	Overlap     int     `json:"overlap"`
}

// CorrelationResult reports pairwise correlations; pairs below the minimum
// overlap are omitted entirely, never reported as zero.
type CorrelationResult struct {
	MinOverlap int               `json:"min_overlap"`
	Pairs      []CorrelationPair `json:"pairs"`
	Omitted    []string          `json:"omitted,omitempty"`
}

var defaultCorrelationMetrics = []string{
	"deployment-frequency",
	"throughput",
	"merge-time",
	"assistant-acceptances",
}

// Correlation computes Pearson coefficients between aligned bucketed series
// of the requested metrics over the same period grid.
func (e *Engine) Correlation(ctx context.Context, q Query) (*CorrelationResult, error) {
	names := q.Metrics
	if len(names) < 2 {
		names = defaultCorrelationMetrics
	}

	snap, err := e.load(ctx, q)
	if err != nil {
		return nil, err
	}
	grid := bucketGrid(q.Start, q.End, q.Period)

	seriesByName := make(map[string]map[string]float64, len(names))
	for _, name := range names {
		points, err := e.seriesFor(name, snap, q, grid)
		if err != nil {
			return nil, err
		}
		seriesByName[name] = points
	}

	minOverlap := e.correlationMinOverlap()
	result := &CorrelationResult{MinOverlap: minOverlap, Pairs: []CorrelationPair{}}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := seriesByName[names[i]], seriesByName[names[j]]

			var xs, ys []float64
			for _, key := range grid {
				va, okA := a[key]
				vb, okB := b[key]
				if okA && okB {
					xs = append(xs, va)
					ys = append(ys, vb)
				}
			}
			if len(xs) < minOverlap {
				result.Omitted = append(result.Omitted, names[i]+"/"+names[j])
				continue
			}
			coefficient, ok := pearson(xs, ys)
			if !ok {
				result.Omitted = append(result.Omitted, names[i]+"/"+names[j])
				continue
			}
			result.Pairs = append(result.Pairs, CorrelationPair{
				MetricA:     names[i],
				MetricB:     names[j],
				Coefficient: coefficient,
				Overlap:     len(xs),
			})
		}
	}
	sort.Strings(result.Omitted)
	return result, nil
}

package metrics

import "time"

// bucketStart truncates a timestamp to the start of its period bucket, UTC.
func bucketStart(t time.Time, period Period) time.Time {
	t = t.UTC()
	switch period {
	case PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		// Week buckets key on Monday.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
}

func bucketKey(t time.Time, period Period) string {
	start := bucketStart(t, period)
	if period == PeriodMonth {
		return start.Format("2006-01")
	}
	return start.Format("2006-01-02")
}

func nextBucket(t time.Time, period Period) time.Time {
	switch period {
	case PeriodDay:
		return t.AddDate(0, 0, 1)
	case PeriodMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 7)
	}
}

// bucketGrid enumerates every bucket key covering [start, end], in order.
// The full grid matters: empty buckets count as zeros in averages and
// appear as zeros in series, never silently dropped.
func bucketGrid(start, end time.Time, period Period) []string {
	if end.Before(start) {
		return nil
	}
	var keys []string
	last := bucketStart(end, period)
	for cursor := bucketStart(start, period); !cursor.After(last); cursor = nextBucket(cursor, period) {
		keys = append(keys, bucketKey(cursor, period))
	}
	return keys
}

// series materializes a counted series over the full bucket grid.
func series(grid []string, counts map[string]float64) []Bucket {
	buckets := make([]Bucket, 0, len(grid))
	for _, key := range grid {
		buckets = append(buckets, Bucket{Key: key, Value: counts[key]})
	}
	return buckets
}

// averageSeries materializes a mean-per-bucket series over the grid for
// buckets that have samples; empty buckets carry zero.
func averageSeries(grid []string, samples map[string][]float64) []Bucket {
	buckets := make([]Bucket, 0, len(grid))
	for _, key := range grid {
		buckets = append(buckets, Bucket{Key: key, Value: mean(samples[key])})
	}
	return buckets
}

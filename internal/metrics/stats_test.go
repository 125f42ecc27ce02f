package metrics

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMeanAndMedian(t *testing.T) {
	t.Parallel()

	if got := mean(nil); got != 0 {
		t.Fatalf("mean(nil) = %v, want 0", got)
	}
	if got := mean([]float64{2, 4, 6}); !almostEqual(got, 4) {
		t.Fatalf("mean = %v, want 4", got)
	}
	if got := median([]float64{5, 1, 3}); !almostEqual(got, 3) {
		t.Fatalf("odd median = %v, want 3", got)
	}
	if got := median([]float64{4, 1, 3, 2}); !almostEqual(got, 2.5) {
		t.Fatalf("even median = %v, want 2.5", got)
	}
}

func TestStddev(t *testing.T) {
	t.Parallel()

	if got := stddev([]float64{7}); got != 0 {
		t.Fatalf("stddev(single) = %v, want 0", got)
	}
	// Population stddev of {0,2,0,2} is 1.
	if got := stddev([]float64{0, 2, 0, 2}); !almostEqual(got, 1) {
		t.Fatalf("stddev = %v, want 1", got)
	}
}

func TestPearson(t *testing.T) {
	t.Parallel()

	perfect, ok := pearson([]float64{1, 2, 3}, []float64{10, 20, 30})
	if !ok || !almostEqual(perfect, 1) {
		t.Fatalf("pearson(aligned) = %v ok=%v, want 1", perfect, ok)
	}
	inverse, ok := pearson([]float64{1, 2, 3}, []float64{3, 2, 1})
	if !ok || !almostEqual(inverse, -1) {
		t.Fatalf("pearson(inverse) = %v ok=%v, want -1", inverse, ok)
	}
	if _, ok := pearson([]float64{1, 1, 1}, []float64{1, 2, 3}); ok {
		t.Fatal("pearson(zero variance) ok = true, want false, never a fake zero")
	}
	if _, ok := pearson([]float64{1, 2}, []float64{1}); ok {
		t.Fatal("pearson(length mismatch) ok = true, want false")
	}
}

func TestGini(t *testing.T) {
	t.Parallel()

	if got := gini([]float64{5, 5, 5, 5}); !almostEqual(got, 0) {
		t.Fatalf("gini(even) = %v, want 0", got)
	}
	concentrated := gini([]float64{0, 0, 0, 100})
	if concentrated <= 0.7 {
		t.Fatalf("gini(concentrated) = %v, want high concentration", concentrated)
	}
	if got := gini(nil); got != 0 {
		t.Fatalf("gini(nil) = %v, want 0", got)
	}
	if got := gini([]float64{0, 0}); got != 0 {
		t.Fatalf("gini(all zero) = %v, want 0", got)
	}
}

func TestClamp01(t *testing.T) {
	t.Parallel()

	if got := clamp01(-0.5); got != 0 {
		t.Fatalf("clamp01(-0.5) = %v, want 0", got)
	}
	if got := clamp01(1.5); got != 1 {
		t.Fatalf("clamp01(1.5) = %v, want 1", got)
	}
	if got := clamp01(0.25); got != 0.25 {
		t.Fatalf("clamp01(0.25) = %v, want unchanged", got)
	}
}

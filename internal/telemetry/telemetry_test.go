package telemetry

import "testing"

func TestNormalizeTraceMode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"off", traceModeOff},
		{" OFF ", traceModeOff},
		{"errors", traceModeErrors},
		{"detailed", traceModeDetailed},
		{"sampled", traceModeSampled},
		{"", traceModeSampled},
		{"verbose", traceModeSampled},
	}
	for _, tc := range cases {
		if got := normalizeTraceMode(tc.in); got != tc.want {
			t.Fatalf("normalizeTraceMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSamplerForModeErrorsKeepsFloor(t *testing.T) {
	t.Parallel()

	// A zero configured ratio floors at 0.01 in errors mode.
	zero := samplerForMode(traceModeErrors, 0).Description()
	floor := samplerForMode(traceModeErrors, 0.01).Description()
	if zero != floor {
		t.Fatalf("errors sampler at ratio 0 = %q, want the 0.01 floor %q", zero, floor)
	}
	plain := samplerForMode(traceModeSampled, 0).Description()
	if zero == plain {
		t.Fatalf("errors sampler = %q, want distinct from sampled mode at ratio 0", zero)
	}
}

func TestClampRatio(t *testing.T) {
	if got := clampRatio(-0.2); got != 0 {
		t.Fatalf("clampRatio(-0.2) = %v, want 0", got)
	}
	if got := clampRatio(1.7); got != 1 {
		t.Fatalf("clampRatio(1.7) = %v, want 1", got)
	}
	if got := clampRatio(0.25); got != 0.25 {
		t.Fatalf("clampRatio(0.25) = %v, want unchanged", got)
	}
}

// The global mode is process-wide state; this test intentionally avoids
// t.Parallel.
func TestSetupDisabledForcesModeOff(t *testing.T) {
	runtime, err := Setup(Config{Enabled: false, TraceMode: "detailed"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = runtime.Shutdown(t.Context()) })

	if got := TraceMode(); got != traceModeOff {
		t.Fatalf("TraceMode() = %q, want off when telemetry is disabled", got)
	}
}

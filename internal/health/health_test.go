package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     Input
		wantMode  Mode
		wantReady bool
	}{
		{
			name:      "all healthy",
			input:     Input{StoreHealthy: true, CacheHealthy: true, SchedulerHealthy: true, SourcesHealthy: true},
			wantMode:  ModeHealthy,
			wantReady: true,
		},
		{
			name:      "store down gates readiness",
			input:     Input{CacheHealthy: true, SchedulerHealthy: true, SourcesHealthy: true},
			wantMode:  ModeUnhealthy,
			wantReady: false,
		},
		{
			name:      "scheduler down gates readiness",
			input:     Input{StoreHealthy: true, CacheHealthy: true, SourcesHealthy: true},
			wantMode:  ModeUnhealthy,
			wantReady: false,
		},
		{
			name:      "failing source only degrades",
			input:     Input{StoreHealthy: true, CacheHealthy: true, SchedulerHealthy: true},
			wantMode:  ModeDegraded,
			wantReady: true,
		},
		{
			name:      "cache down only degrades",
			input:     Input{StoreHealthy: true, SchedulerHealthy: true, SourcesHealthy: true},
			wantMode:  ModeDegraded,
			wantReady: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Evaluate(tc.input)
			if got.Mode != tc.wantMode {
				t.Fatalf("mode = %q, want %q", got.Mode, tc.wantMode)
			}
			if got.Ready != tc.wantReady {
				t.Fatalf("ready = %v, want %v", got.Ready, tc.wantReady)
			}
			if len(got.Components) != 4 {
				t.Fatalf("components = %v, want all four reported", got.Components)
			}
		})
	}
}

type staticProvider struct {
	status Status
}

func (p staticProvider) CurrentStatus(context.Context) Status {
	return p.status
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	ready := Evaluate(Input{StoreHealthy: true, CacheHealthy: true, SchedulerHealthy: true, SourcesHealthy: true})
	notReady := Evaluate(Input{})

	t.Run("livez is unconditional", func(t *testing.T) {
		t.Parallel()
		handler := NewHandler(staticProvider{status: notReady})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("livez status = %d, want 200 even when unhealthy", rec.Code)
		}
	})

	t.Run("readyz gates on readiness", func(t *testing.T) {
		t.Parallel()
		handler := NewHandler(staticProvider{status: notReady})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("readyz status = %d, want 503", rec.Code)
		}

		handler = NewHandler(staticProvider{status: ready})
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("readyz status = %d, want 200", rec.Code)
		}
	})

	t.Run("healthz reports components", func(t *testing.T) {
		t.Parallel()
		handler := NewHandler(staticProvider{status: Evaluate(Input{
			StoreHealthy: true, CacheHealthy: true, SchedulerHealthy: true,
		})})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz status = %d, want 200 regardless of mode", rec.Code)
		}

		var payload Status
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if payload.Mode != ModeDegraded {
			t.Fatalf("mode = %q, want degraded", payload.Mode)
		}
		if payload.Components["sources"] {
			t.Fatal("components[sources] = true, want the failing source visible")
		}
	})
}

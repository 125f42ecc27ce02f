package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/ratelimit"
)

func newTestRunner(budget *ratelimit.Budget, retry config.RetryConfig) *runner {
	r := newRunner(budget, ratelimit.HeaderPolicy{}, retry)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestClassifyHTTPError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status        int
		wantAuth      bool
		wantTransient bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNotFound, false, false},
		{http.StatusUnauthorized, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusInternalServerError, false, true},
	}

	for _, tc := range cases {
		err := classifyHTTPError(tc.status)
		var authErr *AuthError
		var transient *TransientError
		if got := errors.As(err, &authErr); got != tc.wantAuth {
			t.Fatalf("status %d: auth = %v, want %v", tc.status, got, tc.wantAuth)
		}
		if got := errors.As(err, &transient); got != tc.wantTransient {
			t.Fatalf("status %d: transient = %v, want %v", tc.status, got, tc.wantTransient)
		}
		if !tc.wantAuth && !tc.wantTransient && err != nil {
			t.Fatalf("status %d: error = %v, want nil", tc.status, err)
		}
	}
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	r := newTestRunner(ratelimit.NewBudget(0, 0, 0), config.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	err := r.call(context.Background(), func(context.Context) (callMeta, error) {
		calls++
		if calls < 3 {
			return callMeta{}, &TransientError{Err: fmt.Errorf("flaky")}
		}
		return callMeta{}, nil
	})
	if err != nil {
		t.Fatalf("call() error = %v, want success on third attempt", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRunnerDoesNotRetryAuthErrors(t *testing.T) {
	t.Parallel()

	r := newTestRunner(ratelimit.NewBudget(0, 0, 0), config.RetryConfig{MaxAttempts: 3})

	calls := 0
	err := r.call(context.Background(), func(context.Context) (callMeta, error) {
		calls++
		return callMeta{}, &AuthError{StatusCode: http.StatusUnauthorized}
	})
	if !isAuthError(err) {
		t.Fatalf("call() error = %v, want AuthError", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1; auth failures never retry", calls)
	}
}

func TestRunnerReturnsLastTransientError(t *testing.T) {
	t.Parallel()

	r := newTestRunner(ratelimit.NewBudget(0, 0, 0), config.RetryConfig{MaxAttempts: 2})

	calls := 0
	err := r.call(context.Background(), func(context.Context) (callMeta, error) {
		calls++
		return callMeta{}, &TransientError{Err: fmt.Errorf("attempt %d", calls)}
	})
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("call() error = %v, want TransientError after exhausted retries", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRunnerChargesBudgetPerAttempt(t *testing.T) {
	t.Parallel()

	// Ceiling 2 with 3 retry attempts: the third attempt must be stopped
	// by the budget, not sent.
	budget := ratelimit.NewBudget(2, 0, 0)
	budget.StartRun()
	r := newTestRunner(budget, config.RetryConfig{MaxAttempts: 3})

	calls := 0
	err := r.call(context.Background(), func(context.Context) (callMeta, error) {
		calls++
		return callMeta{}, &TransientError{Err: fmt.Errorf("flaky")}
	})
	if !errors.Is(err, ratelimit.ErrRunBudgetExhausted) {
		t.Fatalf("call() error = %v, want ErrRunBudgetExhausted once retries outrun the ceiling", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2; each retry is a real outbound request", calls)
	}
}

func TestRunnerPropagatesBudgetErrors(t *testing.T) {
	t.Parallel()

	budget := ratelimit.NewBudget(1, 0, 0)
	budget.StartRun()
	r := newTestRunner(budget, config.RetryConfig{MaxAttempts: 3})

	ctx := context.Background()
	if err := r.call(ctx, func(context.Context) (callMeta, error) { return callMeta{}, nil }); err != nil {
		t.Fatalf("first call() error = %v", err)
	}
	err := r.call(ctx, func(context.Context) (callMeta, error) { return callMeta{}, nil })
	if !errors.Is(err, ratelimit.ErrRunBudgetExhausted) {
		t.Fatalf("call() error = %v, want ErrRunBudgetExhausted unwrapped", err)
	}
}

func TestFinishResultStatusMapping(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		err  error
		want Status
	}{
		{"nil error stays ok", nil, StatusOK},
		{"hour budget aborts", ratelimit.ErrHourBudgetExhausted, StatusRateLimited},
		{"run budget is partial", ratelimit.ErrRunBudgetExhausted, StatusPartial},
		{"auth fails hard", &AuthError{StatusCode: 401}, StatusFailed},
		{"deadline is partial", context.DeadlineExceeded, StatusPartial},
		{"cancel is partial", context.Canceled, StatusPartial},
		{"other errors are partial", fmt.Errorf("boom"), StatusPartial},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := newResult("src", now)
			finishResult(&result, tc.err, now.Add(time.Second))
			if result.Status != tc.want {
				t.Fatalf("status = %q, want %q", result.Status, tc.want)
			}
			if result.CompletedAt != now.Add(time.Second) {
				t.Fatalf("completed at = %v, want stamped", result.CompletedAt)
			}
		})
	}
}

func TestFinishResultAccumulatedErrorsDowngradeOK(t *testing.T) {
	t.Parallel()

	now := time.Now()
	result := newResult("src", now)
	result.addError(fmt.Errorf("repo acme/api: upstream hiccup"))
	finishResult(&result, nil, now)
	if result.Status != StatusPartial {
		t.Fatalf("status = %q, want partial when per-item errors accumulated", result.Status)
	}
}

func TestDeploymentMatcher(t *testing.T) {
	t.Parallel()

	matcher := NewDeploymentMatcher([]string{"deploy", "release"})

	cases := []struct {
		name, path string
		want       bool
	}{
		{"Deploy to production", ".github/workflows/prod.yml", true},
		{"CI", ".github/workflows/deploy.yml", true},
		{"Release train", "", true},
		{"Unit tests", ".github/workflows/test.yml", false},
	}
	for _, tc := range cases {
		if got := matcher.Match(tc.name, tc.path); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.name, tc.path, got, tc.want)
		}
	}

	if NewDeploymentMatcher(nil).Match("Deploy", "deploy.yml") {
		t.Fatal("empty matcher matched; no patterns must mean no deployment workflows")
	}
}

package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/ratelimit"
)

// AuthError marks a rejected credential. The run ends failed so the operator
// can re-enter credentials.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source rejected credential (status %d)", e.StatusCode)
}

// TransientError marks a retryable source failure (network or 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// callMeta carries the response metadata a runner needs for rate-limit
// header evaluation.
type callMeta struct {
	Header     http.Header
	StatusCode int
}

// runner sequences the outbound calls of one connector run: budget
// accounting, inter-call pacing, provider rate-header observance, and
// bounded retry with backoff for transient failures.
type runner struct {
	budget *ratelimit.Budget
	policy ratelimit.HeaderPolicy
	retry  config.RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRunner(budget *ratelimit.Budget, policy ratelimit.HeaderPolicy, retry config.RetryConfig) *runner {
	return &runner{
		budget: budget,
		policy: policy,
		retry:  retry,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call performs one logical outbound call. Budget errors propagate unwrapped
// so callers can distinguish a resumable partial stop from a hard
// rate-limit abort.
func (r *runner) call(ctx context.Context, op func(ctx context.Context) (callMeta, error)) error {
	attempts := r.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.retry.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoffDelay(backoff)); err != nil {
				return err
			}
			backoff *= 2
			if r.retry.MaxBackoff > 0 && backoff > r.retry.MaxBackoff {
				backoff = r.retry.MaxBackoff
			}
		}

		// Every attempt is a real outbound request and draws one unit
		// of budget.
		if err := r.budget.Acquire(ctx); err != nil {
			return err
		}

		meta, err := op(ctx)
		if err == nil {
			return r.observeHeaders(ctx, meta)
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// observeHeaders respects provider rate-limit headers when present: pause
// when the provider asks for it, then continue.
func (r *runner) observeHeaders(ctx context.Context, meta callMeta) error {
	if meta.Header == nil {
		return nil
	}
	decision := r.policy.Evaluate(ratelimit.ParseHeaders(meta.Header, meta.StatusCode))
	if decision.Allow {
		return nil
	}
	return r.sleep(ctx, decision.WaitFor)
}

func (r *runner) backoffDelay(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if !r.retry.Jitter {
		return base
	}
	// Up to 25% jitter keeps concurrent retries from aligning.
	return base + time.Duration(rand.Int63n(int64(base)/4+1))
}

// classifyHTTPError maps an HTTP status to the connector error taxonomy.
// A nil return means the status needs no special handling.
func classifyHTTPError(statusCode int) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return &AuthError{StatusCode: statusCode}
	case statusCode == http.StatusForbidden:
		return &AuthError{StatusCode: statusCode}
	case statusCode == http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("provider throttled (status %d)", statusCode)}
	case statusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server error (status %d)", statusCode)}
	default:
		return nil
	}
}

// finishResult stamps the terminal status implied by err onto the result.
func finishResult(result *Result, err error, now time.Time) {
	result.CompletedAt = now
	if err == nil {
		if len(result.Errors) > 0 && result.Status == StatusOK {
			result.Status = StatusPartial
		}
		return
	}

	switch {
	case errors.Is(err, ratelimit.ErrHourBudgetExhausted):
		result.Status = StatusRateLimited
		result.addError(err)
	case errors.Is(err, ratelimit.ErrRunBudgetExhausted):
		result.Status = StatusPartial
		result.addError(err)
	case isAuthError(err):
		result.Status = StatusFailed
		result.addError(err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		result.Status = StatusPartial
		result.addError(err)
	default:
		result.Status = StatusPartial
		result.addError(err)
	}
}

func isAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

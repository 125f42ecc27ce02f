package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("X-RateLimit-Remaining", "12")
	header.Set("X-RateLimit-Reset", "1764633600")
	header.Set("Retry-After", "30")

	parsed := ParseHeaders(header, http.StatusForbidden)
	if parsed.Remaining != 12 {
		t.Fatalf("Remaining = %d, want 12", parsed.Remaining)
	}
	if parsed.ResetUnix != 1764633600 {
		t.Fatalf("ResetUnix = %d, want 1764633600", parsed.ResetUnix)
	}
	if parsed.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", parsed.RetryAfter)
	}
	if !parsed.SecondaryLimited {
		t.Fatal("SecondaryLimited = false, want true for 403 with Retry-After")
	}
}

func TestHeaderPolicyEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	policy := HeaderPolicy{
		MinRemainingThreshold: 10,
		MinResetBuffer:        5 * time.Second,
		SecondaryLimitBackoff: time.Minute,
		Now:                   func() time.Time { return now },
	}

	within := policy.Evaluate(Headers{Remaining: 50})
	if !within.Allow {
		t.Fatalf("Evaluate(remaining=50) = %+v, want allow", within)
	}

	low := policy.Evaluate(Headers{Remaining: 2, ResetUnix: now.Add(20 * time.Second).Unix()})
	if low.Allow {
		t.Fatalf("Evaluate(remaining=2) = %+v, want pause", low)
	}
	if low.WaitFor != 25*time.Second {
		t.Fatalf("WaitFor = %v, want reset wait plus buffer 25s", low.WaitFor)
	}

	elapsed := policy.Evaluate(Headers{Remaining: 2, ResetUnix: now.Add(-time.Minute).Unix()})
	if !elapsed.Allow {
		t.Fatalf("Evaluate(reset elapsed) = %+v, want allow", elapsed)
	}

	secondary := policy.Evaluate(Headers{SecondaryLimited: true, RetryAfter: 2 * time.Minute})
	if secondary.Allow || secondary.WaitFor != 2*time.Minute {
		t.Fatalf("Evaluate(secondary) = %+v, want 2m pause honoring Retry-After", secondary)
	}
}

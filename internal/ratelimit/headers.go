package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Headers contains parsed provider rate-limit response headers.
type Headers struct {
	Remaining        int
	ResetUnix        int64
	RetryAfter       time.Duration
	SecondaryLimited bool
}

// Decision is the rate-limit action derived from provider headers.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// HeaderPolicy evaluates provider rate-limit headers when a source supplies
// them. Connectors consult it in addition to the local Budget.
type HeaderPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	Now                   func() time.Time
}

// ParseHeaders parses standard rate-limit and retry headers.
func ParseHeaders(header http.Header, statusCode int) Headers {
	parsed := Headers{
		Remaining: parseInt(header.Get("X-RateLimit-Remaining")),
		ResetUnix: parseInt64(header.Get("X-RateLimit-Reset")),
	}

	if retryAfterSeconds := parseInt(header.Get("Retry-After")); retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.SecondaryLimited = true
	}
	if statusCode == http.StatusForbidden && parsed.RetryAfter > 0 {
		parsed.SecondaryLimited = true
	}
	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p HeaderPolicy) Evaluate(headers Headers) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if headers.SecondaryLimited {
		waitFor := p.SecondaryLimitBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		return Decision{Allow: false, WaitFor: waitFor, Reason: "secondary_limit"}
	}

	if headers.Remaining >= p.MinRemainingThreshold {
		return Decision{Allow: true, Reason: "within_budget"}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{Allow: true, Reason: "reset_elapsed"}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

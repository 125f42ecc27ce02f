package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const restCallTimeout = 30 * time.Second

// errNotFound marks a 404 from the source. Callers that tolerate missing
// resources (daily reports that do not exist yet) check for it.
var errNotFound = errors.New("resource not found")

// restClient is a minimal typed JSON client for the non-GitHub sources.
// Every request goes through the runner so budget accounting, pacing, header
// observance, and transient retry apply uniformly across connectors.
type restClient struct {
	baseURL    *url.URL
	token      string
	runner     *runner
	httpClient *http.Client
}

func newRESTClient(baseURL, token string, r *runner) (*restClient, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse base url: missing scheme or host")
	}
	return &restClient{
		baseURL:    parsed,
		token:      token,
		runner:     r,
		httpClient: &http.Client{Timeout: restCallTimeout},
	}, nil
}

func (c *restClient) cloneBaseURL() *url.URL {
	clone := *c.baseURL
	return &clone
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

// getJSON performs one GET against the source and decodes the body into
// target. Transient failures are retried by the runner; auth failures and
// budget exhaustion propagate to the caller's sync loop.
func (c *restClient) getJSON(ctx context.Context, path []string, query url.Values, target any) error {
	return c.runner.call(ctx, func(ctx context.Context) (callMeta, error) {
		reqURL := c.cloneBaseURL()
		reqURL.Path = joinURLPath(reqURL.Path, path...)
		if query != nil {
			reqURL.RawQuery = query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return callMeta{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return callMeta{}, &TransientError{Err: err}
		}
		meta := callMeta{Header: resp.Header, StatusCode: resp.StatusCode}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return meta, errNotFound
			}
			if classified := classifyHTTPError(resp.StatusCode); classified != nil {
				return meta, classified
			}
			return meta, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		if err := decodeJSONAndClose(resp, target); err != nil {
			return meta, fmt.Errorf("decode response: %w", err)
		}
		return meta, nil
	})
}

// probe performs one unauthenticated-shape GET and reports reachability.
// Used by TestConnection; the call is not budget-accounted.
func (c *restClient) probe(ctx context.Context, path ...string) bool {
	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, path...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return false
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 400
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func parseNullableRFC3339(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	parsed := parseRFC3339(*raw)
	if parsed.IsZero() {
		return nil
	}
	return &parsed
}

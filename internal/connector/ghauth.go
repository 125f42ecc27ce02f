package connector

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/credential"
	"github.com/google/go-github/v75/github"
)

// newGitHubClient builds a go-github client for a resolved credential.
// Token mode uses a bearer token; app mode authenticates as a GitHub App
// installation.
func newGitHubClient(secret credential.Secret, baseURL string, timeout time.Duration) (*github.Client, error) {
	var client *github.Client

	switch secret.Mode {
	case config.AuthApp:
		transport, err := ghinstallation.NewKeyFromFile(
			http.DefaultTransport,
			secret.AppID,
			secret.InstallationID,
			secret.PrivateKeyPath,
		)
		if err != nil {
			return nil, fmt.Errorf("create github app transport: %w", err)
		}
		client = github.NewClient(&http.Client{Transport: transport, Timeout: timeout})
	default:
		if strings.TrimSpace(secret.Token) == "" {
			return nil, fmt.Errorf("token is required")
		}
		client = github.NewClient(&http.Client{Timeout: timeout}).WithAuthToken(secret.Token)
	}

	trimmedBaseURL := strings.TrimSpace(baseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}
	client.BaseURL = parsedURL
	return client, nil
}

// githubCallMeta extracts rate-header metadata from a go-github response.
func githubCallMeta(resp *github.Response) callMeta {
	if resp == nil || resp.Response == nil {
		return callMeta{}
	}
	return callMeta{Header: resp.Header, StatusCode: resp.StatusCode}
}

// classifyGitHubError maps a go-github call error and response into the
// connector error taxonomy.
func classifyGitHubError(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		if classified := classifyHTTPError(resp.StatusCode); classified != nil {
			return classified
		}
		return err
	}
	// No response at all: network-level failure, retryable.
	return &TransientError{Err: err}
}

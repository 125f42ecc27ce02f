package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
sources:
  - id: gh-main
    kind: github
    account: acme
    interval: 1h
    auth:
      mode: token
      token_env: GH_TOKEN
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("store backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("cache backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Fatalf("cache ttl = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.RateLimit.PerRunCalls != 500 {
		t.Fatalf("per-run calls = %d, want 500", cfg.RateLimit.PerRunCalls)
	}
	if cfg.RateLimit.PerHourCalls != 4500 {
		t.Fatalf("per-hour calls = %d, want 4500", cfg.RateLimit.PerHourCalls)
	}
	if cfg.Sync.RunTimeout != 10*time.Minute {
		t.Fatalf("run timeout = %v, want 10m", cfg.Sync.RunTimeout)
	}
	if cfg.Metrics.DefaultPeriod != "week" {
		t.Fatalf("default period = %q, want week", cfg.Metrics.DefaultPeriod)
	}
	if got := cfg.Deployment.PatternList(); len(got) != 3 || got[0] != "deploy" {
		t.Fatalf("deployment patterns = %v, want [deploy release publish]", got)
	}
	if cfg.Sources[0].CredentialRef != "gh-main" {
		t.Fatalf("credential ref = %q, want self-reference gh-main", cfg.Sources[0].CredentialRef)
	}
}

func TestLoadFlexibleDurations(t *testing.T) {
	t.Parallel()

	raw := `
sync:
  run_timeout: 30m
cache:
  ttl: 2d
sources:
  - id: tracker
    kind: tracker
    interval: 1w
    auth:
      mode: token
      token_env: TRACKER_TOKEN
`
	cfg, err := Load(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.TTL != 48*time.Hour {
		t.Fatalf("cache ttl = %v, want 48h", cfg.Cache.TTL)
	}
	if cfg.Sources[0].Interval != 7*24*time.Hour {
		t.Fatalf("interval = %v, want 168h", cfg.Sources[0].Interval)
	}
	if cfg.Sync.RunTimeout != 30*time.Minute {
		t.Fatalf("run timeout = %v, want 30m", cfg.Sync.RunTimeout)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no sources",
			yaml:    `server: {log_level: info}`,
			wantErr: "sources must contain at least one source",
		},
		{
			name: "bad kind",
			yaml: `
sources:
  - id: x
    kind: gitlab
    interval: 1h
`,
			wantErr: "kind must be one of",
		},
		{
			name: "postgres without url",
			yaml: `
store:
  backend: postgres
sources:
  - id: x
    kind: github
    interval: 1h
`,
			wantErr: "store.postgres_url is required",
		},
		{
			name: "duplicate ids",
			yaml: `
sources:
  - id: x
    kind: github
    interval: 1h
  - id: x
    kind: tracker
    interval: 1h
`,
			wantErr: "duplicate id",
		},
		{
			name: "dangling credential ref",
			yaml: `
sources:
  - id: ci
    kind: github_actions
    interval: 1h
    credential_ref: gh-main
`,
			wantErr: "does not name a configured source",
		},
		{
			name: "app mode missing key path",
			yaml: `
sources:
  - id: gh
    kind: github
    interval: 1h
    auth:
      mode: app
      app_id: 7
      installation_id: 9
`,
			wantErr: "private_key_path is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	raw := `
serverr:
  listen_addr: ":9999"
sources:
  - id: x
    kind: github
    interval: 1h
`
	if _, err := Load(strings.NewReader(raw)); err == nil {
		t.Fatal("Load() error = nil, want unknown-field error")
	}
}

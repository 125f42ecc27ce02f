package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// SourceKind identifies which connector implementation serves a source.
type SourceKind string

const (
	// KindGitHub is the code-hosting source (repos, PRs, reviews, commits).
	KindGitHub SourceKind = "github"
	// KindGitHubActions is the CI-run source (workflows, workflow runs).
	KindGitHubActions SourceKind = "github_actions"
	// KindTracker is the issue-tracking source (teams, issues).
	KindTracker SourceKind = "tracker"
	// KindAssistant is the AI-assistant usage source.
	KindAssistant SourceKind = "assistant"
	// KindCodeIndex is the code-indexing status source.
	KindCodeIndex SourceKind = "code_index"
	// KindErrorTracking is the error-tracking source.
	KindErrorTracking SourceKind = "error_tracking"
)

var validSourceKinds = []SourceKind{
	KindGitHub,
	KindGitHubActions,
	KindTracker,
	KindAssistant,
	KindCodeIndex,
	KindErrorTracking,
}

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
	Deployment DeploymentConfig
	Sync       SyncConfig
	Sources    []SourceConfig
	Metrics    MetricsConfig
	Telemetry  TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// StoreConfig configures the entity store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
	MaxConns    int    `yaml:"max_conns"`
}

// CacheConfig configures the metrics response cache.
type CacheConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTL           time.Duration
}

// RateLimitConfig configures outbound call budgets shared by all connectors.
type RateLimitConfig struct {
	PerRunCalls           int
	PerHourCalls          int
	InterCallDelay        time.Duration
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures retries for transient source errors.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
}

// DeploymentConfig configures deployment-workflow detection.
type DeploymentConfig struct {
	// Patterns is a comma-separated list of case-insensitive substrings
	// matched against workflow names and paths.
	Patterns string `yaml:"patterns"`
}

// PatternList returns the trimmed, lower-cased deployment substrings.
func (d DeploymentConfig) PatternList() []string {
	parts := strings.Split(d.Patterns, ",")
	patterns := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns
}

// SyncConfig configures orchestrator-wide scheduling behavior.
type SyncConfig struct {
	RunTimeout  time.Duration
	StaggerStep time.Duration
}

// AuthMode selects how a source authenticates.
type AuthMode string

const (
	// AuthToken authenticates with a bearer token from the credential provider.
	AuthToken AuthMode = "token"
	// AuthApp authenticates as a GitHub App installation.
	AuthApp AuthMode = "app"
)

// SourceAuthConfig configures credentials for one source.
type SourceAuthConfig struct {
	Mode           AuthMode `yaml:"mode"`
	TokenEnv       string   `yaml:"token_env"`
	AppID          int64    `yaml:"app_id"`
	InstallationID int64    `yaml:"installation_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
}

// SourceConfig configures a single external source.
type SourceConfig struct {
	ID       string     `yaml:"id"`
	Kind     SourceKind `yaml:"kind"`
	BaseURL  string     `yaml:"base_url"`
	Interval time.Duration
	// CredentialRef names the source whose credential this source shares.
	// CI-run sources typically reference their code-hosting source.
	CredentialRef string           `yaml:"credential_ref"`
	Account       string           `yaml:"account"`
	Auth          SourceAuthConfig `yaml:"auth"`
}

// MetricsConfig configures metric computation policy knobs.
type MetricsConfig struct {
	DefaultPeriod         string  `yaml:"default_period"`
	AnomalyWindow         int     `yaml:"anomaly_window"`
	AnomalySigma          float64 `yaml:"anomaly_sigma"`
	CorrelationMinOverlap int     `yaml:"correlation_min_overlap"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" {
		errs = append(errs, "store.backend must be memory or postgres")
	}
	if c.Store.Backend == "postgres" && strings.TrimSpace(c.Store.PostgresURL) == "" {
		errs = append(errs, "store.postgres_url is required when store.backend=postgres")
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Cache.RedisAddr) == "" {
		errs = append(errs, "cache.redis_addr is required when cache.backend=redis")
	}

	if c.RateLimit.PerRunCalls <= 0 {
		errs = append(errs, "rate_limit.per_run_calls must be > 0")
	}
	if c.RateLimit.PerHourCalls <= 0 {
		errs = append(errs, "rate_limit.per_hour_calls must be > 0")
	}

	if len(c.Sources) == 0 {
		errs = append(errs, "sources must contain at least one source")
	}
	seenIDs := make(map[string]struct{}, len(c.Sources))
	for i, source := range c.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(source.ID) == "" {
			errs = append(errs, prefix+".id is required")
		}
		if !slices.Contains(validSourceKinds, source.Kind) {
			errs = append(errs, prefix+".kind must be one of github|github_actions|tracker|assistant|code_index|error_tracking")
		}
		if source.Interval <= 0 {
			errs = append(errs, prefix+".interval must be > 0")
		}
		if source.Auth.Mode == AuthApp {
			if source.Auth.AppID <= 0 {
				errs = append(errs, prefix+".auth.app_id must be > 0 when auth.mode=app")
			}
			if source.Auth.InstallationID <= 0 {
				errs = append(errs, prefix+".auth.installation_id must be > 0 when auth.mode=app")
			}
			if source.Auth.PrivateKeyPath == "" {
				errs = append(errs, prefix+".auth.private_key_path is required when auth.mode=app")
			}
		}
		if _, ok := seenIDs[source.ID]; ok {
			errs = append(errs, "sources contains duplicate id: "+source.ID)
		}
		seenIDs[source.ID] = struct{}{}
	}
	for i, source := range c.Sources {
		if source.CredentialRef == "" || source.CredentialRef == source.ID {
			continue
		}
		if _, ok := seenIDs[source.CredentialRef]; !ok {
			errs = append(errs, fmt.Sprintf("sources[%d].credential_ref %q does not name a configured source", i, source.CredentialRef))
		}
	}

	if c.Metrics.DefaultPeriod != "day" && c.Metrics.DefaultPeriod != "week" && c.Metrics.DefaultPeriod != "month" {
		errs = append(errs, "metrics.default_period must be day, week, or month")
	}
	if c.Metrics.AnomalyWindow < 2 {
		errs = append(errs, "metrics.anomaly_window must be >= 2")
	}
	if c.Metrics.AnomalySigma <= 0 {
		errs = append(errs, "metrics.anomaly_sigma must be > 0")
	}
	if c.Metrics.CorrelationMinOverlap < 2 {
		errs = append(errs, "metrics.correlation_min_overlap must be >= 2")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.RateLimit.PerRunCalls == 0 {
		cfg.RateLimit.PerRunCalls = 500
	}
	if cfg.RateLimit.PerHourCalls == 0 {
		cfg.RateLimit.PerHourCalls = 4500
	}
	if cfg.RateLimit.InterCallDelay <= 0 {
		cfg.RateLimit.InterCallDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Deployment.Patterns == "" {
		cfg.Deployment.Patterns = "deploy,release,publish"
	}
	if cfg.Sync.RunTimeout <= 0 {
		cfg.Sync.RunTimeout = 10 * time.Minute
	}
	if cfg.Sync.StaggerStep <= 0 {
		cfg.Sync.StaggerStep = 15 * time.Second
	}
	if cfg.Metrics.DefaultPeriod == "" {
		cfg.Metrics.DefaultPeriod = "week"
	}
	if cfg.Metrics.AnomalyWindow == 0 {
		cfg.Metrics.AnomalyWindow = 6
	}
	if cfg.Metrics.AnomalySigma == 0 {
		cfg.Metrics.AnomalySigma = 2.0
	}
	if cfg.Metrics.CorrelationMinOverlap == 0 {
		cfg.Metrics.CorrelationMinOverlap = 4
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Auth.Mode == "" {
			cfg.Sources[i].Auth.Mode = AuthToken
		}
		if cfg.Sources[i].CredentialRef == "" {
			cfg.Sources[i].CredentialRef = cfg.Sources[i].ID
		}
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Cache      rawCache         `yaml:"cache"`
	RateLimit  rawRateLimit     `yaml:"rate_limit"`
	Retry      rawRetry         `yaml:"retry"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Sync       rawSync          `yaml:"sync"`
	Sources    []rawSource      `yaml:"sources"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type rawCache struct {
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           duration `yaml:"ttl"`
}

type rawRateLimit struct {
	PerRunCalls           int      `yaml:"per_run_calls"`
	PerHourCalls          int      `yaml:"per_hour_calls"`
	InterCallDelay        duration `yaml:"inter_call_delay"`
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
	Jitter         bool     `yaml:"jitter"`
}

type rawSync struct {
	RunTimeout  duration `yaml:"run_timeout"`
	StaggerStep duration `yaml:"stagger_step"`
}

type rawSource struct {
	ID            string           `yaml:"id"`
	Kind          SourceKind       `yaml:"kind"`
	BaseURL       string           `yaml:"base_url"`
	Interval      duration         `yaml:"interval"`
	CredentialRef string           `yaml:"credential_ref"`
	Account       string           `yaml:"account"`
	Auth          SourceAuthConfig `yaml:"auth"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		Store:  r.Store,
		Cache: CacheConfig{
			Backend:       r.Cache.Backend,
			RedisAddr:     r.Cache.RedisAddr,
			RedisPassword: r.Cache.RedisPassword,
			RedisDB:       r.Cache.RedisDB,
			TTL:           r.Cache.TTL.Duration,
		},
		RateLimit: RateLimitConfig{
			PerRunCalls:           r.RateLimit.PerRunCalls,
			PerHourCalls:          r.RateLimit.PerHourCalls,
			InterCallDelay:        r.RateLimit.InterCallDelay.Duration,
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
			Jitter:         r.Retry.Jitter,
		},
		Deployment: r.Deployment,
		Sync: SyncConfig{
			RunTimeout:  r.Sync.RunTimeout.Duration,
			StaggerStep: r.Sync.StaggerStep.Duration,
		},
		Sources:   make([]SourceConfig, 0, len(r.Sources)),
		Metrics:   r.Metrics,
		Telemetry: r.Telemetry,
	}

	for _, source := range r.Sources {
		cfg.Sources = append(cfg.Sources, SourceConfig{
			ID:            source.ID,
			Kind:          source.Kind,
			BaseURL:       source.BaseURL,
			Interval:      source.Interval.Duration,
			CredentialRef: source.CredentialRef,
			Account:       source.Account,
			Auth:          source.Auth,
		})
	}

	return cfg
}

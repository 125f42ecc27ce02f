package credential

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/devpulse/devpulse/internal/config"
)

// Secret is a decrypted credential for one source.
type Secret struct {
	Mode           config.AuthMode
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Provider supplies the decrypted credential for a source, or reports that
// none is configured. Absence is a steady state, not an error.
type Provider interface {
	Credential(ctx context.Context, sourceID string) (Secret, bool, error)
}

// ConfigProvider resolves credentials from source configuration, following
// credential_ref so logical connectors can share one account token (a CI-run
// source shares its code-hosting source's token).
type ConfigProvider struct {
	mu      sync.RWMutex
	sources map[string]config.SourceConfig
	lookup  func(key string) string
}

// NewConfigProvider builds a provider over the configured sources.
func NewConfigProvider(sources []config.SourceConfig) *ConfigProvider {
	indexed := make(map[string]config.SourceConfig, len(sources))
	for _, source := range sources {
		indexed[source.ID] = source
	}
	return &ConfigProvider{
		sources: indexed,
		lookup:  os.Getenv,
	}
}

// SetLookup injects the environment lookup for tests.
func (p *ConfigProvider) SetLookup(lookup func(key string) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookup = lookup
}

// Credential resolves the secret for a source, following at most one
// credential_ref hop.
func (p *ConfigProvider) Credential(_ context.Context, sourceID string) (Secret, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	source, ok := p.sources[sourceID]
	if !ok {
		return Secret{}, false, nil
	}
	if source.CredentialRef != "" && source.CredentialRef != source.ID {
		if ref, refOK := p.sources[source.CredentialRef]; refOK {
			source = ref
		}
	}

	switch source.Auth.Mode {
	case config.AuthApp:
		if source.Auth.AppID <= 0 || source.Auth.InstallationID <= 0 || source.Auth.PrivateKeyPath == "" {
			return Secret{}, false, nil
		}
		return Secret{
			Mode:           config.AuthApp,
			AppID:          source.Auth.AppID,
			InstallationID: source.Auth.InstallationID,
			PrivateKeyPath: source.Auth.PrivateKeyPath,
		}, true, nil
	default:
		envKey := strings.TrimSpace(source.Auth.TokenEnv)
		if envKey == "" {
			return Secret{}, false, nil
		}
		token := strings.TrimSpace(p.lookup(envKey))
		if token == "" {
			return Secret{}, false, nil
		}
		return Secret{Mode: config.AuthToken, Token: token}, true, nil
	}
}

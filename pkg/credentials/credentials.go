// Package credentials resolves database and bulk-import secrets.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
)

// Secret is the decoded JSON document stored under a secret id.
type Secret map[string]any

// Provider looks up a secret by id.
type Provider interface {
	Resolve(ctx context.Context, secretID string) (Secret, error)
}

// DatabaseCredentials is the connection secret of the relational engine.
type DatabaseCredentials struct {
	DBName   string
	Username string
	Password string
	Host     string
	Port     string
}

// ImportCredentials authorize the engine's native object-store import.
type ImportCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func parseSecret(secretID string, raw []byte) (Secret, error) {
	var secret Secret
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}
	return secret, nil
}

// EnvProvider reads secrets as JSON documents from environment variables named by the secret id.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Resolve(_ context.Context, secretID string) (Secret, error) {
	raw, ok := p.lookup(secretID)
	if !ok || raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", secretID)
	}
	return parseSecret(secretID, []byte(raw))
}

// StaticProvider serves fixed secrets. Useful for tests and local runs.
type StaticProvider map[string]Secret

func (p StaticProvider) Resolve(_ context.Context, secretID string) (Secret, error) {
	secret, ok := p[secretID]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", secretID)
	}
	return secret, nil
}

// StageCache memoizes lookups for one stage invocation. A new cache is created
// per stage so rotated secrets are picked up by the next stage.
type StageCache struct {
	provider Provider
	mu       sync.Mutex
	secrets  map[string]Secret
}

func NewStageCache(provider Provider) *StageCache {
	return &StageCache{provider: provider, secrets: make(map[string]Secret)}
}

// Resolve returns the cached secret or resolves it, wrapping failures in CredentialError.
func (c *StageCache) Resolve(ctx context.Context, secretID string) (Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if secret, ok := c.secrets[secretID]; ok {
		return secret, nil
	}
	secret, err := c.provider.Resolve(ctx, secretID)
	if err != nil {
		return nil, &etlerrors.CredentialError{SecretID: secretID, Cause: err}
	}
	c.secrets[secretID] = secret
	return secret, nil
}

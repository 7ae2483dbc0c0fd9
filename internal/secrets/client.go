// Package secrets reads runtime credentials from HashiCorp Vault. When
// Vault is disabled the client is a no-op and callers fall back to
// environment-provided values.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Well-known secret names under the service's secret path.
const (
	SecretDatabase     = "database"
	SecretVaultService = "vault-service"
	SecretAPIAuth      = "api-auth"
)

// Config configures the Vault connection.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount, default "secret"
	SecretPath string `json:"secret_path"` // path prefix, default "cl-range-bot"
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Client wraps the HashiCorp Vault client with a read cache. Secrets are
// read once per process unless the cache is cleared.
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache map[string]map[string]string
}

// NewClient creates a Vault client. With Enabled false the returned client
// serves only cache misses.
func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "cl-range-bot"
	}

	c := &Client{
		config: cfg,
		cache:  make(map[string]map[string]string),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault reads are active.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Get returns one field of a named secret. Missing secrets or fields are
// errors; a disabled client always errors so callers use their fallback.
func (c *Client) Get(ctx context.Context, name, key string) (string, error) {
	c.mu.RLock()
	if fields, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		if v, ok := fields[key]; ok {
			return v, nil
		}
		return "", fmt.Errorf("secret %s has no field %s", name, key)
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", fmt.Errorf("vault disabled, secret %s unavailable", name)
	}

	fields, err := c.read(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[name] = fields
	c.mu.Unlock()

	if v, ok := fields[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s has no field %s", name, key)
}

// GetOrDefault returns the secret field, or fallback when Vault is disabled
// or the read fails.
func (c *Client) GetOrDefault(ctx context.Context, name, key, fallback string) string {
	v, err := c.Get(ctx, name, key)
	if err != nil {
		return fallback
	}
	return v
}

// DatabasePassword reads the database password secret.
func (c *Client) DatabasePassword(ctx context.Context) (string, error) {
	return c.Get(ctx, SecretDatabase, "password")
}

// VaultServiceToken reads the bearer token for the on-chain vault control
// service.
func (c *Client) VaultServiceToken(ctx context.Context) (string, error) {
	return c.Get(ctx, SecretVaultService, "token")
}

// APIJWTSecret reads the signing secret for the ops API.
func (c *Client) APIJWTSecret(ctx context.Context) (string, error) {
	return c.Get(ctx, SecretAPIAuth, "jwt_secret")
}

// ClearCache drops all cached secrets, forcing re-reads.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]map[string]string)
	c.mu.Unlock()
}

// Health checks the Vault connection and seal status.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) read(ctx context.Context, name string) (map[string]string, error) {
	path := fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, name)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s not found", name)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret %s has invalid format", name)
	}

	fields := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields, nil
}

// Package vault reads database credentials from a HashiCorp Vault KV v2
// engine. With Vault disabled, credentials come from a local cache.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"investment-settlement/config"
)

// ErrNotFound is returned when no credentials exist at the secret path
var ErrNotFound = errors.New("credentials not found")

// DatabaseCredentials is the secret stored at <mount>/data/<secret_path>
type DatabaseCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        *DatabaseCredentials
	cacheEnabled bool
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cacheEnabled: true,
	}, nil
}

// StoreDatabaseCredentials writes credentials to Vault, or to the local
// cache when Vault is disabled
func (c *Client) StoreDatabaseCredentials(ctx context.Context, creds DatabaseCredentials) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"username": creds.Username,
				"password": creds.Password,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	if c.cacheEnabled || !c.config.Enabled {
		c.mu.Lock()
		c.cache = &creds
		c.mu.Unlock()
	}
	return nil
}

// GetDatabaseCredentials returns the cached credentials or reads them from
// Vault
func (c *Client) GetDatabaseCredentials(ctx context.Context) (*DatabaseCredentials, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		cached := c.cache
		c.mu.RUnlock()
		if cached != nil {
			creds := *cached
			return &creds, nil
		}
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w and vault is disabled", ErrNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &DatabaseCredentials{
		Username: getString(data, "username"),
		Password: getString(data, "password"),
	}
	if creds.Username == "" {
		return nil, fmt.Errorf("invalid secret format: missing username")
	}

	if c.cacheEnabled {
		cp := *creds
		c.mu.Lock()
		c.cache = &cp
		c.mu.Unlock()
	}

	return creds, nil
}

// ApplyTo replaces the user and password in cfg with the stored
// credentials. Vault disabled with nothing cached leaves cfg untouched.
func (c *Client) ApplyTo(ctx context.Context, cfg *config.DatabaseConfig) error {
	creds, err := c.GetDatabaseCredentials(ctx)
	if err != nil {
		if !c.config.Enabled && errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	cfg.User = creds.Username
	cfg.Password = creds.Password
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
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

// secretPath returns the KV v2 data path of the credentials
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

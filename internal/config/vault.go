package config

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultClient wraps HashiCorp Vault client
type VaultClient struct {
	client *vault.Client
	config *VaultConfig
}

// NewVaultClient creates a new Vault client. It returns nil when Vault is disabled.
func NewVaultClient(cfg *VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	token, err := cfg.GetVaultToken()
	if err != nil {
		return nil, err
	}
	client.SetToken(strings.TrimSpace(token))

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &VaultClient{
		client: client,
		config: cfg,
	}, nil
}

// GetSecret retrieves a secret from Vault
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if vc == nil {
		return nil, fmt.Errorf("vault client is not initialized")
	}

	secret, err := vc.client.KVv2("secret").Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}

	return secret.Data, nil
}

// SecretGetter reads one secret by path.
type SecretGetter interface {
	GetSecret(ctx context.Context, path string) (map[string]interface{}, error)
}

// ApplyVaultSecrets applies secrets from Vault to configuration
func ApplyVaultSecrets(ctx context.Context, cfg *Config, vaultClient *VaultClient) error {
	if vaultClient == nil {
		return nil
	}
	return applySecrets(ctx, cfg, vaultClient)
}

func applySecrets(ctx context.Context, cfg *Config, secrets SecretGetter) error {
	if cfg.Tarantool.VaultPath != "" {
		secret, err := secrets.GetSecret(ctx, cfg.Tarantool.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get tarantool secrets: %w", err)
		}

		setString(secret, "user", &cfg.Tarantool.User)
		setString(secret, "password", &cfg.Tarantool.Password)
	}

	if cfg.MinIO.VaultPath != "" {
		secret, err := secrets.GetSecret(ctx, cfg.MinIO.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get minio secrets: %w", err)
		}

		setString(secret, "access_key_id", &cfg.MinIO.AccessKeyID)
		setString(secret, "secret_access_key", &cfg.MinIO.SecretAccessKey)
	}

	if cfg.Auth.VaultPath != "" {
		secret, err := secrets.GetSecret(ctx, cfg.Auth.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get auth secrets: %w", err)
		}

		setString(secret, "jwt_secret", &cfg.Auth.JWTSecret)
	}

	if cfg.DeadLetter.VaultPath != "" {
		secret, err := secrets.GetSecret(ctx, cfg.DeadLetter.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get dead-letter secrets: %w", err)
		}

		setString(secret, "amqp_url", &cfg.DeadLetter.AMQP.URL)
		setString(secret, "nats_url", &cfg.DeadLetter.NATS.URL)
	}

	return nil
}

func setString(secret map[string]interface{}, key string, dst *string) {
	if v, ok := secret[key].(string); ok {
		*dst = v
	}
}

// Package config loads non-secret configuration via viper and secrets
// (billing-provider credentials, alert HMAC keys) from Vault KV v2.
package config

import (
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// SecretManager wraps a Vault client scoped to the KV v2 mount used for
// billing-provider credentials and alert-sink signing secrets.
type SecretManager struct {
	client *vaultapi.Client
}

// NewSecretManager constructs a SecretManager against addr, authenticated
// with token.
func NewSecretManager(addr, token string) (*SecretManager, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &SecretManager{client: client}, nil
}

// GetSecret reads the raw secret at path.
func (s *SecretManager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault read %s: no secret found", path)
	}
	return secret.Data, nil
}

// GetKV2 reads a KV-v2 secret and unwraps its "data" envelope.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault read %s: missing kv2 data envelope", path)
	}
	return data, nil
}

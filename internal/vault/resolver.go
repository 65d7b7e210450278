package vault

import (
	"fmt"
	"os"
	"strings"
)

// SecretStore reads encrypted secrets by name. Implemented by the directory.
type SecretStore interface {
	GetSecret(name string) (value, nonce []byte, err error)
}

// Resolver turns an agent credential reference into a plaintext credential.
// Supported forms:
//
//	"env:NAME"   read from the environment
//	"vault:NAME" decrypt the named secret from the store
//	""           fall back to the configured default
type Resolver struct {
	store    SecretStore
	vault    *Vault
	fallback string
}

func NewResolver(store SecretStore, v *Vault, fallback string) *Resolver {
	return &Resolver{store: store, vault: v, fallback: fallback}
}

func (r *Resolver) Resolve(ref string) (string, error) {
	switch {
	case ref == "":
		if r.fallback == "" {
			return "", fmt.Errorf("no credential reference and no default credential")
		}
		return r.fallback, nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("credential env %s not set", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "vault:"):
		name := strings.TrimPrefix(ref, "vault:")
		if r.store == nil || r.vault == nil {
			return "", fmt.Errorf("vault not configured, cannot resolve %s", ref)
		}
		value, nonce, err := r.store.GetSecret(name)
		if err != nil {
			return "", fmt.Errorf("get secret %s: %w", name, err)
		}
		plain, err := r.vault.Decrypt(value, nonce)
		if err != nil {
			return "", fmt.Errorf("decrypt secret %s: %w", name, err)
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("unknown credential reference: %s", ref)
	}
}

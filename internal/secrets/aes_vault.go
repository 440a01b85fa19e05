package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/funnel/pkg/schema"
)

// VaultConfig configures the key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts safevars with AES-256-GCM before persisting. The
// safevar name is bound as additional data, so a ciphertext copied to
// another name fails to open.
type AESVault struct {
	store SafevarStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over s.
func NewAESVault(s SafevarStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (v *AESVault) open(name string, ciphertext []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "safevar %q: ciphertext too short", name)
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "safevar %q: decrypt failed", name).WithCause(err)
	}
	return plaintext, nil
}

// Put encrypts and stores value under name, replacing any previous value.
func (v *AESVault) Put(ctx context.Context, name, value string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "safevar name is required")
	}
	sealed, err := v.seal(name, []byte(value))
	if err != nil {
		return err
	}
	return v.store.PutSafevar(ctx, name, sealed)
}

// Reveal returns the plaintext of the safevar name.
func (v *AESVault) Reveal(ctx context.Context, name string) (string, error) {
	sealed, err := v.store.GetSafevar(ctx, name)
	if err != nil {
		return "", err
	}
	plaintext, err := v.open(name, sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSafevar(ctx, name)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSafevars(ctx)
}

var _ Vault = (*AESVault)(nil)

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rendis/funnel/internal/secrets"
	"github.com/rendis/funnel/internal/store"
)

// openStore opens and migrates the database at cfg.DBPath.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openVault returns nil when no passphrase is configured.
func openVault(cfg Config, st secrets.SafevarStore) (*secrets.AESVault, error) {
	if cfg.SafevarPassphrase == "" {
		return nil, nil
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.SafevarPassphrase,
		Salt:       []byte(cfg.SafevarSalt),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

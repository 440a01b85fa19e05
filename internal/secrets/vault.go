package secrets

import "context"

// Vault holds safevars: named script variables encrypted at rest and only
// revealed in memory when a VAR param is read.
type Vault interface {
	Reveal(ctx context.Context, name string) (string, error)
	Put(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// SafevarStore is the persistence needed by the vault. Satisfied by store.Store.
type SafevarStore interface {
	PutSafevar(ctx context.Context, name string, value []byte) error
	GetSafevar(ctx context.Context, name string) ([]byte, error)
	DeleteSafevar(ctx context.Context, name string) error
	ListSafevars(ctx context.Context) ([]string, error)
}

package secrets

import "context"

// Vault resolves ${{secrets.KEY}} references during parameter interpolation.
// Values are encrypted at rest with AES-256-GCM and only ever decrypted into
// memory for the duration of a resolve.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the slice of the persistence layer the vault needs.
// store.Store satisfies it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

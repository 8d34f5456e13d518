package port

import "context"

// Store is the local durable key-value engine. Operations are atomic with
// respect to concurrent local callers; a crash during Put never exposes a
// partially written value to a later Get.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error

	// Get returns ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, key string) error

	// ListPrefix returns all keys under prefix, sorted. Finite and
	// restartable: callers may re-issue it at any time.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Package kvstore implements the platform's single key-value abstraction
// (component A): Connect/Disconnect/Set/Get/Delete/Watch over either
// Postgres or SQLite, with optional AES-256-GCM encryption at rest and
// cluster-wide encryption-key rotation.
package kvstore

import (
	"context"
	"time"
)

// Store is the key-value contract every driver implements. TTL of zero
// means the key never expires on its own (Delete is the only way to remove
// it).
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Watch streams a signal each time a key under prefix changes. The
	// delivered key names the change; callers re-Get to read the new value.
	// Delivery is at-least-once: a caller may observe the same key more
	// than once for a single write. The channel closes when ctx is done.
	Watch(ctx context.Context, prefix string) (<-chan string, error)

	// RotateEncryptionKey re-encrypts every stored value under a new key,
	// transactionally where the driver supports it. No-op if no encryption
	// key was configured.
	RotateEncryptionKey(ctx context.Context, newKey []byte) error

	// SetEncryptionKey updates the in-memory encryption key only, used to
	// reconcile with a rotation performed by another instance in the
	// cluster (see internal/cluster).
	SetEncryptionKey(newKey []byte)
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kvstore: key not found" }

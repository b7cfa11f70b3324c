package lockmgr

import (
	"context"
	"time"
)

// Backend is the capability interface a lock store must provide (spec §9
// "Polymorphism": one small interface per collaborator, not a class
// hierarchy). TryAcquire and Release must be atomic with respect to other
// callers of the same backend, including across processes.
type Backend interface {
	// TryAcquire attempts a compare-and-set of info keyed by info.LockID,
	// succeeding only if the key is absent or expired. Returns false (no
	// error) on contention; an error only on backend failure.
	TryAcquire(ctx context.Context, info Info, ttl time.Duration) (bool, error)

	// Release performs a compare-and-delete: it removes the stored lock
	// only if its owner and token still match info, so an expired and
	// since-reacquired lock is never released by the stale holder (spec
	// §4.2 "Backends").
	Release(ctx context.Context, info Info) (bool, error)

	// Get returns the currently stored lock for lockID, if any.
	Get(ctx context.Context, lockID string) (Info, bool, error)

	// List returns every non-expired lock currently held in the backend.
	List(ctx context.Context) ([]Info, error)

	// CleanupExpired removes backend-visible expired locks that the
	// backend does not auto-expire (a no-op for TTL-native backends like
	// Redis; required for the filesystem backend).
	CleanupExpired(ctx context.Context) (int, error)
}

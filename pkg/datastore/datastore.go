// Package datastore defines the key/value contract that job documents are
// persisted through. Every write is conditional on a compare-and-swap token,
// so concurrent mutators never silently overwrite each other.
package datastore

import (
	"context"
	"errors"
	"time"
)

// CAS is the opaque compare-and-swap token returned by the store. A zero
// value means the record has never been persisted.
type CAS uint64

var (
	// ErrNotFound is returned by reads of absent keys.
	ErrNotFound = errors.New("datastore: key not found")
	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("datastore: key already exists")
	// ErrCASMismatch is returned by SetWithCAS when the stored token differs
	// from the caller's.
	ErrCASMismatch = errors.New("datastore: cas mismatch")
	// ErrLocked is returned when the record is held by another locker.
	ErrLocked = errors.New("datastore: record locked")
	// ErrTimeout is a transient store failure. Callers should retry; see
	// WithRetry.
	ErrTimeout = errors.New("datastore: operation timed out")
)

// Datastore is a key/value store with CAS writes and lock/unlock primitives.
type Datastore interface {
	// Create inserts a new record. Fails with ErrKeyExists if the key is
	// already present.
	Create(ctx context.Context, key string, value []byte) error

	// Read returns the value for key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// ReadWithCAS returns the value and its current CAS token.
	ReadWithCAS(ctx context.Context, key string) ([]byte, CAS, error)

	// SetWithCAS writes value if the stored token equals cas and returns the
	// new token. A missing key is inserted regardless of cas (upsert
	// semantics). Fails with ErrCASMismatch or ErrLocked.
	SetWithCAS(ctx context.Context, key string, value []byte, cas CAS) (CAS, error)

	// Delete removes the record. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Lock reads the record and holds it exclusively for up to ttl. Writes by
	// other callers fail with ErrLocked until Unlock or expiry. The returned
	// CAS unlocks implicitly when used with SetWithCAS.
	Lock(ctx context.Context, key string, ttl time.Duration) ([]byte, CAS, error)

	// Unlock releases a lock taken with Lock without modifying the record.
	Unlock(ctx context.Context, key string, cas CAS) error
}

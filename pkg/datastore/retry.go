package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("zerog/datastore")

// timeoutMaxTries bounds transparent ErrTimeout retries: the initial attempt
// plus three retries. The fourth failure propagates to the caller.
const timeoutMaxTries = 4

// WithRetry wraps a Datastore so that ErrTimeout failures are retried
// transparently with exponential backoff. All other errors are permanent.
func WithRetry(ds Datastore) Datastore {
	return &retryingDatastore{inner: ds}
}

type retryingDatastore struct {
	inner Datastore
}

func retry[T any](ctx context.Context, op string, key string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return out, backoff.Permanent(err)
		}
		attempt++
		log.Infow("store timeout, retrying", "op", op, "key", key, "attempt", attempt)
		return out, err
	},
		backoff.WithMaxTries(timeoutMaxTries),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

func (r *retryingDatastore) Create(ctx context.Context, key string, value []byte) error {
	_, err := retry(ctx, "create", key, func() (struct{}, error) {
		return struct{}{}, r.inner.Create(ctx, key, value)
	})
	return err
}

func (r *retryingDatastore) Read(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, "read", key, func() ([]byte, error) {
		return r.inner.Read(ctx, key)
	})
}

type valueWithCAS struct {
	value []byte
	cas   CAS
}

func (r *retryingDatastore) ReadWithCAS(ctx context.Context, key string) ([]byte, CAS, error) {
	out, err := retry(ctx, "read_with_cas", key, func() (valueWithCAS, error) {
		value, cas, err := r.inner.ReadWithCAS(ctx, key)
		return valueWithCAS{value, cas}, err
	})
	return out.value, out.cas, err
}

func (r *retryingDatastore) SetWithCAS(ctx context.Context, key string, value []byte, cas CAS) (CAS, error) {
	return retry(ctx, "set_with_cas", key, func() (CAS, error) {
		return r.inner.SetWithCAS(ctx, key, value, cas)
	})
}

func (r *retryingDatastore) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, "delete", key, func() (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, key)
	})
	return err
}

func (r *retryingDatastore) Lock(ctx context.Context, key string, ttl time.Duration) ([]byte, CAS, error) {
	out, err := retry(ctx, "lock", key, func() (valueWithCAS, error) {
		value, cas, err := r.inner.Lock(ctx, key, ttl)
		return valueWithCAS{value, cas}, err
	})
	return out.value, out.cas, err
}

func (r *retryingDatastore) Unlock(ctx context.Context, key string, cas CAS) error {
	_, err := retry(ctx, "unlock", key, func() (struct{}, error) {
		return struct{}{}, r.inner.Unlock(ctx, key, cas)
	})
	return err
}

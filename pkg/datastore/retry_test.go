package datastore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
)

func TestRetryMasksTransientTimeouts(t *testing.T) {
	ctx := context.Background()
	inner := memds.New()
	store := datastore.WithRetry(inner)

	require.NoError(t, inner.Create(ctx, "k", []byte("v")))

	attempts := 0
	inner.SetFault(func(op, key string) error {
		if op != "read" {
			return nil
		}
		attempts++
		if attempts < 3 {
			return datastore.ErrTimeout
		}
		return nil
	})

	value, err := store.Read(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxTries(t *testing.T) {
	ctx := context.Background()
	inner := memds.New()
	store := datastore.WithRetry(inner)

	attempts := 0
	inner.SetFault(func(op, key string) error {
		attempts++
		return datastore.ErrTimeout
	})

	_, _, err := store.ReadWithCAS(ctx, "k")
	require.ErrorIs(t, err, datastore.ErrTimeout)
	require.Equal(t, 4, attempts)
}

func TestRetryPassesThroughPermanentErrors(t *testing.T) {
	ctx := context.Background()
	inner := memds.New()
	store := datastore.WithRetry(inner)

	t.Run("not found is not retried", func(t *testing.T) {
		attempts := 0
		inner.SetFault(func(op, key string) error {
			attempts++
			return nil
		})
		_, err := store.Read(ctx, "missing")
		require.ErrorIs(t, err, datastore.ErrNotFound)
		require.Equal(t, 1, attempts)
	})

	t.Run("cas mismatch is not retried", func(t *testing.T) {
		require.NoError(t, inner.Create(ctx, "k", []byte("v")))
		attempts := 0
		inner.SetFault(func(op, key string) error {
			if op == "set" {
				attempts++
			}
			return nil
		})
		_, err := store.SetWithCAS(ctx, "k", []byte("v2"), 99)
		require.ErrorIs(t, err, datastore.ErrCASMismatch)
		require.Equal(t, 1, attempts)
	})
}

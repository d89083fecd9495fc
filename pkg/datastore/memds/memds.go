// Package memds is an in-process Datastore for tests and single-process
// deployments. Values live in a go-datastore MapDatastore; CAS tokens are
// per-key monotonic counters.
package memds

import (
	"context"
	"errors"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/motivemetrics/zerog/pkg/datastore"
)

// FaultFunc lets tests inject failures. It is consulted before every
// operation with the operation name and key; a non-nil return is surfaced to
// the caller as-is.
type FaultFunc func(op, key string) error

type Datastore struct {
	mu     sync.Mutex
	values ds.Datastore
	cas    map[string]datastore.CAS
	locks  map[string]lockState
	fault  FaultFunc
}

type lockState struct {
	cas     datastore.CAS
	expires time.Time
}

var _ datastore.Datastore = (*Datastore)(nil)

func New() *Datastore {
	return &Datastore{
		values: dssync.MutexWrap(ds.NewMapDatastore()),
		cas:    make(map[string]datastore.CAS),
		locks:  make(map[string]lockState),
	}
}

// SetFault installs a fault-injection hook. Pass nil to clear it.
func (m *Datastore) SetFault(f FaultFunc) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

func (m *Datastore) checkFault(op, key string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, key)
}

func (m *Datastore) Create(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("create", key); err != nil {
		return err
	}
	if _, ok := m.cas[key]; ok {
		return datastore.ErrKeyExists
	}
	if err := m.values.Put(ctx, ds.NewKey(key), value); err != nil {
		return err
	}
	m.cas[key] = 1
	return nil
}

func (m *Datastore) Read(ctx context.Context, key string) ([]byte, error) {
	value, _, err := m.ReadWithCAS(ctx, key)
	return value, err
}

func (m *Datastore) ReadWithCAS(ctx context.Context, key string) ([]byte, datastore.CAS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("read", key); err != nil {
		return nil, 0, err
	}
	return m.readLocked(ctx, key)
}

func (m *Datastore) readLocked(ctx context.Context, key string) ([]byte, datastore.CAS, error) {
	value, err := m.values.Get(ctx, ds.NewKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, 0, datastore.ErrNotFound
		}
		return nil, 0, err
	}
	return value, m.cas[key], nil
}

func (m *Datastore) SetWithCAS(ctx context.Context, key string, value []byte, cas datastore.CAS) (datastore.CAS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("set", key); err != nil {
		return 0, err
	}
	if lock, ok := m.locks[key]; ok && time.Now().Before(lock.expires) && lock.cas != cas {
		return 0, datastore.ErrLocked
	}
	current, ok := m.cas[key]
	if ok && current != cas {
		return 0, datastore.ErrCASMismatch
	}
	// absent key: insert regardless of cas (upsert semantics)
	if err := m.values.Put(ctx, ds.NewKey(key), value); err != nil {
		return 0, err
	}
	next := current + 1
	m.cas[key] = next
	delete(m.locks, key)
	return next, nil
}

func (m *Datastore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("delete", key); err != nil {
		return err
	}
	if err := m.values.Delete(ctx, ds.NewKey(key)); err != nil {
		return err
	}
	delete(m.cas, key)
	delete(m.locks, key)
	return nil
}

func (m *Datastore) Lock(ctx context.Context, key string, ttl time.Duration) ([]byte, datastore.CAS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("lock", key); err != nil {
		return nil, 0, err
	}
	if lock, ok := m.locks[key]; ok && time.Now().Before(lock.expires) {
		return nil, 0, datastore.ErrLocked
	}
	value, cas, err := m.readLocked(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	m.locks[key] = lockState{cas: cas, expires: time.Now().Add(ttl)}
	return value, cas, nil
}

func (m *Datastore) Unlock(ctx context.Context, key string, cas datastore.CAS) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("unlock", key); err != nil {
		return err
	}
	lock, ok := m.locks[key]
	if !ok || lock.cas != cas {
		return datastore.ErrLocked
	}
	delete(m.locks, key)
	return nil
}

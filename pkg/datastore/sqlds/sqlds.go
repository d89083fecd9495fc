// Package sqlds implements the Datastore contract over a single SQL table.
// CAS is enforced inside individual UPDATE statements, so no transaction
// spans a read-modify-write. Works with SQLite and PostgreSQL.
package sqlds

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/datastore"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema.postgres.sql
var schemaPostgres string

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type Datastore struct {
	db      *sql.DB
	dialect dialect.Dialect
}

var _ datastore.Datastore = (*Datastore)(nil)

func New(db *sql.DB, d dialect.Dialect) (*Datastore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Datastore{db: db, dialect: d}, nil
}

// Setup creates the documents table using the dialect's schema.
func Setup(ctx context.Context, db *sql.DB, d dialect.Dialect) error {
	schema := schemaSQLite
	if d.IsPostgres() {
		schema = schemaPostgres
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("setup documents schema (%s): %w", d, err)
	}
	return nil
}

func (s *Datastore) Create(ctx context.Context, key string, value []byte) error {
	query := s.dialect.Rebind(`INSERT INTO documents (key, value, cas) VALUES (?, ?, 1)`)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		if isUniqueViolation(err) {
			return datastore.ErrKeyExists
		}
		return wrapErr(err)
	}
	return nil
}

func (s *Datastore) Read(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.ReadWithCAS(ctx, key)
	return value, err
}

func (s *Datastore) ReadWithCAS(ctx context.Context, key string) ([]byte, datastore.CAS, error) {
	query := s.dialect.Rebind(`SELECT value, cas FROM documents WHERE key = ?`)
	var value []byte
	var cas uint64
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &cas); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, datastore.ErrNotFound
		}
		return nil, 0, wrapErr(err)
	}
	return value, datastore.CAS(cas), nil
}

func (s *Datastore) SetWithCAS(ctx context.Context, key string, value []byte, cas datastore.CAS) (datastore.CAS, error) {
	now := time.Now().UTC().Format(timeLayout)

	// The lock is released by a successful write holding the locker's cas.
	query := s.dialect.Rebind(`
		UPDATE documents
		SET value = ?, cas = cas + 1, locked_until = NULL
		WHERE key = ? AND cas = ? AND (locked_until IS NULL OR locked_until <= ? OR cas = ?)
		RETURNING cas`)

	var next uint64
	err := s.db.QueryRowContext(ctx, query, value, key, uint64(cas), now, uint64(cas)).Scan(&next)
	if err == nil {
		return datastore.CAS(next), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, wrapErr(err)
	}

	// No row updated: distinguish absent, locked, and stale cas.
	var current uint64
	var lockedUntil sql.NullString
	probe := s.dialect.Rebind(`SELECT cas, locked_until FROM documents WHERE key = ?`)
	err = s.db.QueryRowContext(ctx, probe, key).Scan(&current, &lockedUntil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insert(ctx, key, value)
	case err != nil:
		return 0, wrapErr(err)
	case lockedUntil.Valid && lockedUntil.String > now && current != uint64(cas):
		return 0, datastore.ErrLocked
	default:
		return 0, datastore.ErrCASMismatch
	}
}

// insert handles the upsert arm of SetWithCAS: the key was absent, so the
// write succeeds regardless of the caller's cas. A conflicting concurrent
// insert surfaces as ErrCASMismatch.
func (s *Datastore) insert(ctx context.Context, key string, value []byte) (datastore.CAS, error) {
	query := s.dialect.Rebind(`INSERT INTO documents (key, value, cas) VALUES (?, ?, 1)`)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		if isUniqueViolation(err) {
			return 0, datastore.ErrCASMismatch
		}
		return 0, wrapErr(err)
	}
	return 1, nil
}

func (s *Datastore) Delete(ctx context.Context, key string) error {
	query := s.dialect.Rebind(`DELETE FROM documents WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Datastore) Lock(ctx context.Context, key string, ttl time.Duration) ([]byte, datastore.CAS, error) {
	now := time.Now().UTC()
	until := now.Add(ttl).Format(timeLayout)

	query := s.dialect.Rebind(`
		UPDATE documents
		SET locked_until = ?
		WHERE key = ? AND (locked_until IS NULL OR locked_until <= ?)
		RETURNING value, cas`)

	var value []byte
	var cas uint64
	err := s.db.QueryRowContext(ctx, query, until, key, now.Format(timeLayout)).Scan(&value, &cas)
	if err == nil {
		return value, datastore.CAS(cas), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, wrapErr(err)
	}

	probe := s.dialect.Rebind(`SELECT 1 FROM documents WHERE key = ?`)
	var one int
	if err := s.db.QueryRowContext(ctx, probe, key).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, datastore.ErrNotFound
		}
		return nil, 0, wrapErr(err)
	}
	return nil, 0, datastore.ErrLocked
}

func (s *Datastore) Unlock(ctx context.Context, key string, cas datastore.CAS) error {
	query := s.dialect.Rebind(`UPDATE documents SET locked_until = NULL WHERE key = ? AND cas = ?`)
	res, err := s.db.ExecContext(ctx, query, key, uint64(cas))
	if err != nil {
		return wrapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return datastore.ErrLocked
	}
	return nil
}

func wrapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", datastore.ErrTimeout, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// SQLite reports "UNIQUE constraint failed", pgx "duplicate key value".
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

// Package sqlitedb opens SQLite connections using the pure-Go glebarez
// driver, applying pragmas through the DSN.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/motivemetrics/zerog/pkg/database"
)

// New opens (creating if necessary) the SQLite database at path.
func New(path string, opts ...database.Option) (*sql.DB, error) {
	cfg := &database.Options{
		JournalMode: database.JournalModeWAL,
		SyncMode:    database.SyncModeNORMAL,
		Timeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := sql.Open("sqlite", dsn(path, cfg))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database %s: %w", path, err)
	}
	return db, nil
}

// NewMemory opens an in-memory SQLite database. The pool is capped at a
// single connection so every statement sees the same database.
func NewMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging in-memory sqlite database: %w", err)
	}
	return db, nil
}

func dsn(path string, cfg *database.Options) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.SyncMode))
	if cfg.Timeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.Timeout.Milliseconds()))
	}
	if cfg.ForeignKeys {
		q.Add("_pragma", "foreign_keys(1)")
	}
	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

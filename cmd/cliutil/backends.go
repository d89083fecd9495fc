package cliutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/database"
	"github.com/motivemetrics/zerog/pkg/database/postgresdb"
	"github.com/motivemetrics/zerog/pkg/database/sqlitedb"
	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/datastore/sqlds"
	"github.com/motivemetrics/zerog/pkg/queue"
	"github.com/motivemetrics/zerog/pkg/queue/beanstalk"
	"github.com/motivemetrics/zerog/pkg/queue/sqltube"
)

// OpenQueue connects to the configured broker outside the fx lifecycle, for
// commands that talk to the queue directly. The caller closes it.
func OpenQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Kind {
	case "beanstalk":
		return beanstalk.Dial(cfg.Address)
	case "sqlite", "postgres":
		db, d, err := openQueueDB(cfg)
		if err != nil {
			return nil, err
		}
		if err := sqltube.Setup(ctx, db, d); err != nil {
			db.Close()
			return nil, err
		}
		return sqltube.New(db, d)
	default:
		return nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

// OpenStore builds the configured document store outside the fx lifecycle,
// wrapped so transient timeouts are retried.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (datastore.Datastore, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return datastore.WithRetry(store), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (datastore.Datastore, error) {
	switch cfg.Kind {
	case "memory":
		return memds.New(), nil
	case "sqlite":
		db, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := sqlds.Setup(ctx, db, dialect.SQLite); err != nil {
			db.Close()
			return nil, err
		}
		return sqlds.New(db, dialect.SQLite)
	case "postgres":
		db, err := postgresdb.New(cfg.DSN, "zerog")
		if err != nil {
			return nil, err
		}
		if err := sqlds.Setup(ctx, db, dialect.Postgres); err != nil {
			db.Close()
			return nil, err
		}
		return sqlds.New(db, dialect.Postgres)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

func openQueueDB(cfg config.QueueConfig) (*sql.DB, dialect.Dialect, error) {
	if cfg.Kind == "postgres" {
		db, err := postgresdb.New(cfg.DSN, "zerog")
		return db, dialect.Postgres, err
	}
	db, err := openSQLite(cfg.Path)
	return db, dialect.SQLite, err
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return sqlitedb.New(path,
		database.WithJournalMode(database.JournalModeWAL),
		database.WithTimeout(5*time.Second),
		database.WithSyncMode(database.SyncModeNORMAL),
	)
}

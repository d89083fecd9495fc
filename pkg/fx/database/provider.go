// Package database provides the SQL handles backing the store and queue,
// when their configured kind needs one.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/database"
	"github.com/motivemetrics/zerog/pkg/database/postgresdb"
	"github.com/motivemetrics/zerog/pkg/database/sqlitedb"
)

var Module = fx.Module("database",
	fx.Provide(
		fx.Annotate(
			ProvideStoreDB,
			fx.ResultTags(`name:"store_db"`),
		),
		fx.Annotate(
			ProvideQueueDB,
			fx.ResultTags(`name:"queue_db"`),
		),
	),
)

// ProvideStoreDB opens the database behind the document store. Returns nil
// for the in-memory store kind.
func ProvideStoreDB(lc fx.Lifecycle, cfg config.StoreConfig) (*sql.DB, error) {
	switch cfg.Kind {
	case "sqlite":
		db, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store database: %w", err)
		}
		manage(lc, db)
		return db, nil
	case "postgres":
		db, err := postgresdb.New(cfg.DSN, "zerog")
		if err != nil {
			return nil, fmt.Errorf("opening store database: %w", err)
		}
		manage(lc, db)
		return db, nil
	default:
		return nil, nil
	}
}

// ProvideQueueDB opens the database behind the SQL queue broker. Returns nil
// for the beanstalk kind.
func ProvideQueueDB(lc fx.Lifecycle, cfg config.QueueConfig) (*sql.DB, error) {
	switch cfg.Kind {
	case "sqlite":
		db, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening queue database: %w", err)
		}
		manage(lc, db)
		return db, nil
	case "postgres":
		db, err := postgresdb.New(cfg.DSN, "zerog")
		if err != nil {
			return nil, fmt.Errorf("opening queue database: %w", err)
		}
		manage(lc, db)
		return db, nil
	default:
		return nil, nil
	}
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

func manage(lc fx.Lifecycle, db *sql.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
}

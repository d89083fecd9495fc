// Package store provides the datastore.Datastore for the configured backend.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/datastore/sqlds"
)

var Module = fx.Module("store",
	fx.Provide(
		fx.Annotate(
			ProvideDatastore,
			fx.ParamTags(``, ``, `name:"store_db"`),
		),
	),
)

// ProvideDatastore builds the document store named by cfg.Kind, wrapped so
// transient timeouts are retried. SQL-backed kinds receive their handle from
// the database module and have their schema created at startup.
func ProvideDatastore(lc fx.Lifecycle, cfg config.StoreConfig, db *sql.DB) (datastore.Datastore, error) {
	switch cfg.Kind {
	case "memory":
		return datastore.WithRetry(memds.New()), nil
	case "sqlite", "postgres":
		d := dialect.SQLite
		if cfg.Kind == "postgres" {
			d = dialect.Postgres
		}
		store, err := sqlds.New(db, d)
		if err != nil {
			return nil, fmt.Errorf("creating %s store: %w", cfg.Kind, err)
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlds.Setup(ctx, db, d)
			},
		})
		return datastore.WithRetry(store), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

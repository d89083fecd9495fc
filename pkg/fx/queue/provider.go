// Package queue provides the queue.Queue for the configured broker.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/queue"
	"github.com/motivemetrics/zerog/pkg/queue/beanstalk"
	"github.com/motivemetrics/zerog/pkg/queue/sqltube"
)

var Module = fx.Module("queue",
	fx.Provide(
		fx.Annotate(
			ProvideQueue,
			fx.ParamTags(``, ``, `name:"queue_db"`),
		),
	),
)

// ProvideQueue connects to the broker named by cfg.Kind. SQL-backed kinds
// receive their handle from the database module and have their schema
// created at startup.
func ProvideQueue(lc fx.Lifecycle, cfg config.QueueConfig, db *sql.DB) (queue.Queue, error) {
	switch cfg.Kind {
	case "beanstalk":
		q, err := beanstalk.Dial(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("connecting to beanstalkd: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return q.Close()
			},
		})
		return q, nil
	case "sqlite", "postgres":
		d := dialect.SQLite
		if cfg.Kind == "postgres" {
			d = dialect.Postgres
		}
		q, err := sqltube.New(db, d)
		if err != nil {
			return nil, fmt.Errorf("creating %s queue: %w", cfg.Kind, err)
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqltube.Setup(ctx, db, d)
			},
			OnStop: func(context.Context) error {
				return q.Close()
			},
		})
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

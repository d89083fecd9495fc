// Package app assembles the fx modules of a zerog server process.
package app

import (
	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/fx/database"
	"github.com/motivemetrics/zerog/pkg/fx/echo"
	"github.com/motivemetrics/zerog/pkg/fx/queue"
	"github.com/motivemetrics/zerog/pkg/fx/registry"
	"github.com/motivemetrics/zerog/pkg/fx/server"
	"github.com/motivemetrics/zerog/pkg/fx/store"
	"github.com/motivemetrics/zerog/pkg/health"
)

// Modules wires the full server: broker, store, registry, supervisor and
// REST listener.
func Modules(cfg config.Server) fx.Option {
	return fx.Module("app",
		// Supply the top level config and its sub-configs, so dependencies
		// can be taken on, for example, config.QueueConfig instead of the
		// whole config.Server.
		fx.Supply(cfg),
		fx.Supply(cfg.Service),
		fx.Supply(cfg.Queue),
		fx.Supply(cfg.Store),
		fx.Supply(cfg.API),

		database.Module, // SQL handles for SQL-backed store and queue kinds
		store.Module,    // document store
		queue.Module,    // lease-queue broker
		registry.Module, // job registry, fed by group:"job_class"
		echo.Module,     // HTTP listener with route registration
		server.Module,   // supervisor and REST routes
		health.Module,   // liveness and readiness probes
	)
}

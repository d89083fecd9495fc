// Package server provides the supervisor and its REST surface.
package server

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/pkg/api"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/datastore"
	echofx "github.com/motivemetrics/zerog/pkg/fx/echo"
	"github.com/motivemetrics/zerog/pkg/queue"
	"github.com/motivemetrics/zerog/pkg/registry"
	"github.com/motivemetrics/zerog/pkg/server"
)

// WorkerCommand is the hidden subcommand the supervisor re-execs to run the
// child worker process.
const WorkerCommand = "worker"

// SpawnArgs are extra command-line arguments appended when re-execing the
// worker child, so it loads the same configuration as the parent.
type SpawnArgs []string

var Module = fx.Module("server",
	fx.Provide(
		ProvideServer,
		fx.Annotate(
			api.New,
			fx.As(new(echofx.RouteRegistrar)),
			fx.ResultTags(`group:"route_registrar"`),
		),
	),
)

// ProvideServer builds the supervisor and ties its Start/Stop to the
// application lifecycle.
func ProvideServer(
	lc fx.Lifecycle,
	cfg config.ServiceConfig,
	reg *registry.Registry,
	store datastore.Datastore,
	q queue.Queue,
	spawnArgs SpawnArgs,
) (*server.Server, error) {
	host, err := cfg.ResolveHost()
	if err != nil {
		return nil, fmt.Errorf("resolving host: %w", err)
	}

	args := append([]string{WorkerCommand}, spawnArgs...)
	s := server.New(server.Options{
		ServiceName: cfg.Name,
		Host:        host,
		Registry:    reg,
		Store:       store,
		Queue:       q,
		Spawn:       server.NewExecSpawner(args...),
	}, os.Getpid())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})

	return s, nil
}

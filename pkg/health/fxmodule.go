package health

import (
	"context"

	"go.uber.org/fx"

	echofx "github.com/motivemetrics/zerog/pkg/fx/echo"
	"github.com/motivemetrics/zerog/pkg/server"
)

// Module provides health check functionality
var Module = fx.Module("health",
	fx.Provide(
		NewCheckerFromServer,
		fx.Annotate(
			NewHandler,
			fx.As(new(echofx.RouteRegistrar)),
			fx.ResultTags(`group:"route_registrar"`),
		),
	),
)

// NewCheckerFromServer ties readiness to the supervisor's lifecycle and
// reports its state in probe responses.
func NewCheckerFromServer(lc fx.Lifecycle, s *server.Server) *Checker {
	checker := NewChecker(func() string {
		return string(s.Info().State)
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			checker.SetReady(true)
			return nil
		},
		OnStop: func(context.Context) error {
			checker.SetReady(false)
			return nil
		},
	})
	return checker
}

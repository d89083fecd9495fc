// Package registry assembles the job registry from the classes supplied by
// the application.
package registry

import (
	"go.uber.org/fx"

	"github.com/motivemetrics/zerog/pkg/registry"
)

var Module = fx.Module("registry",
	fx.Provide(
		fx.Annotate(
			ProvideRegistry,
			fx.ParamTags(`group:"job_class"`),
		),
	),
)

// ProvideRegistry registers every supplied job class. A class that fails
// validation aborts startup.
func ProvideRegistry(classes []registry.Class) (*registry.Registry, error) {
	r := registry.New()
	if err := r.AddClasses(classes...).Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Supply contributes a job class to the registry.
func Supply(class registry.Class) fx.Option {
	return fx.Supply(
		fx.Annotate(class, fx.ResultTags(`group:"job_class"`)),
	)
}

package cliutil

import (
	"slices"

	"github.com/motivemetrics/zerog/pkg/registry"
)

var jobClasses []registry.Class

// RegisterJobs records job classes to be served by both the supervisor and
// the worker child. Call before ExecuteContext.
func RegisterJobs(classes ...registry.Class) {
	jobClasses = append(jobClasses, classes...)
}

// JobClasses returns the registered job classes.
func JobClasses() []registry.Class {
	return slices.Clone(jobClasses)
}

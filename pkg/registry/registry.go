// Package registry maps job types to their constructors and input schemas,
// and hydrates concrete jobs from stored or submitted documents.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/queue"
)

var log = logging.Logger("zerog/registry")

var (
	// ErrNotSubclass marks a class whose constructor is missing or does not
	// produce a type embedding the base job.
	ErrNotSubclass = fmt.Errorf("constructor does not produce a job")
	// ErrNoJobType marks a class registered without a job type.
	ErrNoJobType = fmt.Errorf("no job type")
	// ErrNoSchema marks a class registered without an input schema.
	ErrNoSchema = fmt.Errorf("no schema")
	// ErrUnknownJobType is returned by MakeJob for an unregistered type.
	ErrUnknownJobType = fmt.Errorf("unknown job type")
)

// Schema validates a job document before construction.
type Schema interface {
	Validate(data map[string]any) error
}

// Class registers one job type: its name, input schema, and constructor.
type Class struct {
	JobType string
	Schema  Schema
	New     func() job.Runner
}

// AddResult reports the outcome of registering one class.
type AddResult struct {
	JobType string
	Err     error
}

// AddResults is the per-class outcome of AddClasses.
type AddResults []AddResult

// Err aggregates the failed registrations, or nil if all succeeded.
func (rs AddResults) Err() error {
	var merr *multierror.Error
	for _, r := range rs {
		if r.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", r.JobType, r.Err))
		}
	}
	return merr.ErrorOrNil()
}

// Registry maps jobType to its Class.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

func New() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// AddClasses registers the given classes, reporting a per-class result.
// Invalid classes are skipped; valid ones in the same call still register.
func (r *Registry) AddClasses(classes ...Class) AddResults {
	results := make(AddResults, 0, len(classes))
	for _, class := range classes {
		result := AddResult{JobType: class.JobType, Err: validateClass(class)}
		if result.Err == nil {
			r.mu.Lock()
			r.classes[class.JobType] = class
			r.mu.Unlock()
			log.Debugw("registered job class", "jobType", class.JobType)
		} else {
			log.Warnw("rejected job class", "jobType", class.JobType, "error", result.Err)
		}
		results = append(results, result)
	}
	return results
}

func validateClass(class Class) error {
	if class.New == nil {
		return ErrNotSubclass
	}
	if runner := class.New(); runner == nil || runner.Base() == nil {
		return ErrNotSubclass
	}
	if class.JobType == "" {
		return ErrNoJobType
	}
	if class.Schema == nil {
		return ErrNoSchema
	}
	return nil
}

// JobTypes returns the registered type names.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.classes))
	for t := range r.classes {
		types = append(types, t)
	}
	return types
}

// MakeJob validates data against the class schema for jobType (the argument
// wins over data's own jobType field) and hydrates a bound concrete job. The
// reserved "cas" key in data splices the store token for already-persisted
// records.
func (r *Registry) MakeJob(
	ctx context.Context,
	data map[string]any,
	store datastore.Datastore,
	q queue.Queue,
	keepAlive func(),
	jobType string,
) (job.Runner, error) {
	if jobType == "" {
		jobType, _ = data["jobType"].(string)
	}
	if jobType == "" {
		return nil, ErrNoJobType
	}

	r.mu.RLock()
	class, ok := r.classes[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	cas, data := spliceCAS(data)
	if err := class.Schema.Validate(data); err != nil {
		return nil, fmt.Errorf("validating %s job: %w", jobType, err)
	}

	runner := class.New()
	base := runner.Base()
	base.InitDefaults(jobType, jobType)

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(encoded, runner); err != nil {
		return nil, fmt.Errorf("hydrating %s job: %w", jobType, err)
	}

	base.Bind(runner, store, q, keepAlive, cas)
	return runner, nil
}

// GetJob loads the job stored under uuid and hydrates it via MakeJob,
// carrying the record's CAS token.
func (r *Registry) GetJob(
	ctx context.Context,
	uuid string,
	store datastore.Datastore,
	q queue.Queue,
	keepAlive func(),
) (job.Runner, error) {
	value, cas, err := store.ReadWithCAS(ctx, job.MakeKey(uuid))
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", uuid, err)
	}
	data["cas"] = cas
	return r.MakeJob(ctx, data, store, q, keepAlive, "")
}

// spliceCAS pops the reserved cas key, returning a copy of data without it.
func spliceCAS(data map[string]any) (datastore.CAS, map[string]any) {
	raw, ok := data["cas"]
	if !ok {
		return 0, data
	}
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k != "cas" {
			clean[k] = v
		}
	}
	switch v := raw.(type) {
	case datastore.CAS:
		return v, clean
	case uint64:
		return datastore.CAS(v), clean
	case float64:
		return datastore.CAS(v), clean
	case json.Number:
		n, _ := v.Int64()
		return datastore.CAS(n), clean
	default:
		return 0, clean
	}
}

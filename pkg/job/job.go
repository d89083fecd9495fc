// Package job provides the base lifecycle and persistence behavior shared by
// every job type. Concrete types embed Job, override Run, and inherit
// progress reporting, audit streams, and CAS-retried persistence.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/motivemetrics/zerog/lib/isotime"
	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/queue"
)

var log = logging.Logger("zerog/job")

// Result is what Run produces. A zero Code is normalized by the worker to
// 200 and a zero Delay to ten seconds; Code == NoResult requests re-enqueue
// after Delay.
type Result struct {
	Code  int
	Delay time.Duration
}

// Runner is the capability set of a concrete job type. Implementations embed
// Job (which supplies Base, ContinueRunning, and Data) and override Run.
type Runner interface {
	// Base exposes the embedded base Job.
	Base() *Job

	// Run executes the job. It is called by the worker once the job has been
	// loaded. Return Result{Code: NoResult, Delay: d} to requeue for further
	// processing; return a flow Signal as the error for scoped control flow.
	Run(ctx context.Context) (Result, error)

	// ContinueRunning is consulted after Run is interrupted by an error. It
	// returns NoResult to retry or a terminal code to finish.
	ContinueRunning() int

	// Data returns the job-type specific output payload for a completed job.
	Data() any
}

// QueueKwargs are the enqueue coordinates recorded on the job document, in
// seconds.
type QueueKwargs struct {
	Delay float64 `json:"delay,omitempty"`
	TTR   float64 `json:"ttr,omitempty"`
}

// Job is the persisted base record plus its runtime handles. The runtime
// handles (datastore, queue, keepalive, cas) ride out-of-band; only the
// tagged fields are stored.
type Job struct {
	DocumentType  string  `json:"documentType"`
	JobType       string  `json:"jobType"`
	SchemaVersion float64 `json:"schemaVersion"`

	CreatedAt isotime.Time `json:"createdAt"`
	UpdatedAt isotime.Time `json:"updatedAt"`

	UUID  string `json:"uuid"`
	LogID string `json:"logId"`

	QueueName   string      `json:"queueName"`
	QueueKwargs QueueKwargs `json:"queueKwargs"`
	QueueJobID  int64       `json:"queueJobId"`

	Events   []Event   `json:"events"`
	Errors   []Error   `json:"errors"`
	Warnings []Warning `json:"warnings"`

	Running      bool    `json:"running"`
	ErrorCount   int     `json:"errorCount"`
	Completeness float64 `json:"completeness"`
	Tickcount    float64 `json:"tickcount"`
	Tickval      float64 `json:"tickval"`
	ResultCode   int     `json:"resultCode"`

	self      Runner
	store     datastore.Datastore
	queue     queue.Queue
	keepalive func()
	cas       datastore.CAS
}

// Base satisfies Runner for every type embedding Job.
func (j *Job) Base() *Job { return j }

// ContinueRunning terminates after MaxErrors recorded errors. Override for
// more complex recovery policies.
func (j *Job) ContinueRunning() int {
	if j.ErrorCount >= MaxErrors {
		return InternalError
	}
	return NoResult
}

// Data returns the output payload for a completed job. The base has none;
// override to expose results.
func (j *Job) Data() any { return map[string]any{} }

// InitDefaults fills the base fields of a freshly constructed job. Call
// before unmarshaling stored data over the job so absent fields keep their
// defaults.
func (j *Job) InitDefaults(jobType, queueName string) {
	now := isotime.Now()
	j.DocumentType = DocumentType
	j.JobType = jobType
	j.SchemaVersion = SchemaVersion
	j.CreatedAt = now
	j.UpdatedAt = now
	j.QueueName = queueName
	j.Tickval = DefaultTickValue
	j.ResultCode = NoResult
}

// Bind attaches the runtime handles. self must be the concrete runner
// embedding this Job so persistence round-trips subclass fields. A zero cas
// marks a record that has never been persisted.
func (j *Job) Bind(self Runner, store datastore.Datastore, q queue.Queue, keepalive func(), cas datastore.CAS) {
	j.self = self
	j.store = store
	j.queue = q
	j.keepalive = keepalive
	j.cas = cas

	if j.UUID == "" {
		j.UUID = uuid.NewString()
	}
	if j.LogID == "" {
		j.LogID = j.JobType + "_" + j.UUID
	}
}

// CAS returns the last-seen store token. Zero means never persisted.
func (j *Job) CAS() datastore.CAS { return j.cas }

// Key returns the job's datastore key.
func (j *Job) Key() string { return MakeKey(j.UUID) }

// Dump serializes the full job document, subclass fields included.
func (j *Job) Dump() ([]byte, error) {
	return json.Marshal(j.self)
}

// Save persists the job conditional on the last-seen cas.
func (j *Job) Save(ctx context.Context) error {
	j.UpdatedAt = isotime.Now()
	data, err := j.Dump()
	if err != nil {
		return err
	}
	cas, err := j.store.SetWithCAS(ctx, j.Key(), data, j.cas)
	if err != nil {
		return err
	}
	j.cas = cas
	return nil
}

// Reload overwrites the in-memory image from the datastore, picking up the
// latest cas. Necessary when another process has updated this job and the
// cas held here is out of date.
func (j *Job) Reload(ctx context.Context) error {
	data, cas, err := j.store.ReadWithCAS(ctx, j.Key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, j.self); err != nil {
		return err
	}
	j.cas = cas
	return nil
}

// recordChange applies fn to this job and saves the result. On a CAS
// collision or a locked record it reloads and retries with a short random
// jitter, up to recordChangeAttempts. Returns false when the mutation could
// not be persisted; the in-memory image may have diverged by then.
func (j *Job) recordChange(ctx context.Context, fn func()) bool {
	for range recordChangeAttempts {
		fn()
		err := j.Save(ctx)
		if err == nil {
			return true
		}

		switch {
		case isCASMismatch(err):
			log.Infow("collision - reloading", "pid", os.Getpid(), "uuid", j.UUID)
		case isLocked(err):
			log.Infow("locked - reloading", "pid", os.Getpid(), "uuid", j.UUID)
		default:
			log.Errorw("save failed", "pid", os.Getpid(), "uuid", j.UUID, "error", err)
			return false
		}

		time.Sleep(time.Duration(rand.Int63n(int64(recordChangeJitter))))
		if err := j.Reload(ctx); err != nil {
			log.Errorw("reload failed", "pid", os.Getpid(), "uuid", j.UUID, "error", err)
			return false
		}
	}

	log.Errorw("save failed - too many collisions", "pid", os.Getpid(), "uuid", j.UUID)
	return false
}

// UpdateAttrs merges the given JSON-named fields into the job and saves.
func (j *Job) UpdateAttrs(ctx context.Context, attrs map[string]any) bool {
	data, err := json.Marshal(attrs)
	if err != nil {
		log.Errorw("encoding attrs", "uuid", j.UUID, "error", err)
		return false
	}
	return j.recordChange(ctx, func() {
		if err := json.Unmarshal(data, j.self); err != nil {
			log.Errorw("applying attrs", "uuid", j.UUID, "error", err)
		}
	})
}

// RecordEvent appends an event to the job's audit stream.
func (j *Job) RecordEvent(ctx context.Context, msg string) bool {
	event := makeEvent(msg)
	return j.recordChange(ctx, func() {
		j.Events = append(j.Events, event)
	})
}

// RecordWarning appends a warning.
func (j *Job) RecordWarning(ctx context.Context, msg string) bool {
	warning := makeWarning(msg)
	return j.recordChange(ctx, func() {
		j.Warnings = append(j.Warnings, warning)
	})
}

// RecordError appends an error entry and increments errorCount in the same
// mutation, so errorCount always equals len(errors).
func (j *Job) RecordError(ctx context.Context, code int, msg string) bool {
	entry := makeError(code, msg)
	return j.recordChange(ctx, func() {
		j.Errors = append(j.Errors, entry)
		j.ErrorCount = len(j.Errors)
	})
}

// RecordResult records the terminal outcome of the job.
func (j *Job) RecordResult(ctx context.Context, code int) bool {
	return j.recordChange(ctx, func() {
		j.ResultCode = code
		j.Completeness = 1
	})
}

// SetCompleteness sets the absolute completeness, clamped to [0, 1], and
// persists the accrued tickcount with it.
func (j *Job) SetCompleteness(ctx context.Context, completeness float64) bool {
	j.KeepAlive()
	setval := clamp(completeness, 0, 1)
	if completeness < 0 || completeness > 1 {
		log.Warnf("completeness %f out of range. Clamping to %f", completeness, setval)
	}
	tickcount := j.Tickcount
	return j.recordChange(ctx, func() {
		j.Completeness = setval
		j.Tickcount = tickcount
	})
}

// AddToCompleteness increments completeness by delta plus any unrecorded
// ticks.
func (j *Job) AddToCompleteness(ctx context.Context, delta float64) bool {
	return j.SetCompleteness(ctx, j.Completeness+delta+j.Tickcount)
}

// SetTickValue sets the amount Tick adds to the accumulator.
func (j *Job) SetTickValue(ctx context.Context, tickval float64) bool {
	return j.UpdateAttrs(ctx, map[string]any{"tickval": tickval})
}

// Tick accumulates fine-grained progress and flushes to the store once the
// accumulator reaches 0.01, batching persistence.
func (j *Job) Tick(ctx context.Context) {
	j.Tickcount += j.Tickval
	if j.Tickcount >= 0.01 {
		j.AddToCompleteness(ctx, 0)
		j.Tickcount = 0
	}
}

// KeepAlive invokes the worker-supplied callback, deferring the queue lease
// timeout during long runs.
func (j *Job) KeepAlive() {
	if j.keepalive != nil {
		j.keepalive()
	}
}

// Enqueue persists the job if it has never been saved, then puts its uuid on
// its tube. An enqueue failure is recorded as queueJobId = -1 and a warning;
// no retry is performed.
func (j *Job) Enqueue(ctx context.Context, delay, ttr time.Duration) bool {
	if j.cas == 0 {
		if err := j.Save(ctx); err != nil {
			log.Errorw("initial save before enqueue", "uuid", j.UUID, "error", err)
			return false
		}
	}

	if ttr <= 0 {
		ttr = DefaultTTR
	}

	body, err := json.Marshal(j.UUID)
	if err != nil {
		return false
	}

	var queueJobID int64
	id, err := j.queue.Put(ctx, j.QueueName, body, delay, ttr)
	if err != nil || id == 0 {
		log.Warnf("%s %s enqueue failed", j.JobType, j.UUID)
		queueJobID = -1
	} else {
		queueJobID = int64(id)
	}

	return j.UpdateAttrs(ctx, map[string]any{
		"queueKwargs": QueueKwargs{Delay: delay.Seconds(), TTR: ttr.Seconds()},
		"queueJobId":  queueJobID,
	})
}

// Progress returns the job's completeness and result.
func (j *Job) Progress() map[string]any {
	return map[string]any{
		"completeness": j.Completeness,
		"result":       j.ResultCode,
	}
}

// Info returns progress plus the audit streams.
func (j *Job) Info() map[string]any {
	return map[string]any{
		"completeness": j.Completeness,
		"result":       j.ResultCode,
		"events":       j.Events,
		"errors":       j.Errors,
		"warnings":     j.Warnings,
	}
}

func isCASMismatch(err error) bool {
	return errors.Is(err, datastore.ErrCASMismatch)
}

func isLocked(err error) bool {
	return errors.Is(err, datastore.ErrLocked)
}

func clamp(value, minval, maxval float64) float64 {
	return max(min(maxval, value), minval)
}

package job

import "time"

// Result codes are HTTP-style integers with two reserved sentinels.
const (
	// NoResult marks a job that has not finished: the worker re-enqueues it.
	NoResult = -1
	// InternalError is the terminal code for unrecoverable failure.
	InternalError = 500
	// Killed is recorded when an operator kills a running job. 'Gone' is the
	// best-fit HTTP code.
	Killed = 410
)

const (
	// DocumentType namespaces datastore keys for job records.
	DocumentType = "zerog_job"

	// SchemaVersion of the persisted record.
	SchemaVersion = 1.0

	// MaxErrors is the default bound on recorded errors before
	// ContinueRunning reports a terminal InternalError.
	MaxErrors = 3

	// DefaultTTR is the queue lease for enqueued jobs. It should never
	// expire; when it does it's bad.
	DefaultTTR = 30 * 24 * time.Hour

	// DefaultTickValue is the per-tick completeness increment.
	DefaultTickValue = 0.001

	recordChangeAttempts = 10
	recordChangeJitter   = 100 * time.Millisecond
)

// MakeKey returns the datastore key for a job uuid.
func MakeKey(uuid string) string {
	return DocumentType + "_" + uuid
}

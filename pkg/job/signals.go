package job

import (
	"context"
	"fmt"
)

// Signal is the error kind jobs return from Run to steer the worker: a
// non-finishing signal asks the worker to consult ContinueRunning, a
// finishing one ends the job with Code.
type Signal struct {
	Finish bool
	Code   int
	Msg    string
}

func (s *Signal) Error() string {
	if s.Finish {
		return fmt.Sprintf("job finish (code %d): %s", s.Code, s.Msg)
	}
	return fmt.Sprintf("job continue (code %d): %s", s.Code, s.Msg)
}

// ErrorContinue records an error entry and signals the worker to consult
// ContinueRunning before resuming or finishing.
func (j *Job) ErrorContinue(ctx context.Context, code int, msg string) error {
	j.RecordError(ctx, code, msg)
	return &Signal{Code: code, Msg: msg}
}

// ErrorFinish records an error entry and the terminal result, and signals
// the worker to finish the job with code.
func (j *Job) ErrorFinish(ctx context.Context, code int, msg string) error {
	j.RecordError(ctx, code, msg)
	j.RecordResult(ctx, code)
	return &Signal{Finish: true, Code: code, Msg: msg}
}

// WarningContinue records a warning and signals the worker to consult
// ContinueRunning.
func (j *Job) WarningContinue(ctx context.Context, msg string) error {
	j.RecordWarning(ctx, msg)
	return &Signal{Code: NoResult, Msg: msg}
}

// WarningFinish records a warning and the terminal result, and signals the
// worker to finish the job with code.
func (j *Job) WarningFinish(ctx context.Context, code int, msg string) error {
	j.RecordWarning(ctx, msg)
	j.RecordResult(ctx, code)
	return &Signal{Finish: true, Code: code, Msg: msg}
}

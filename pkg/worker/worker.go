// Package worker implements the child-process run loop: lease a job from
// the work tube, run it, and report its boundaries to the supervisor over
// the parent pipe.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/queue"
	"github.com/motivemetrics/zerog/pkg/registry"
)

var log = logging.Logger("zerog/worker")

const (
	// PollInterval bounds each wait on the parent pipe.
	PollInterval = 2 * time.Second

	// MaxReserves and MaxTimeouts bound retries of a body that cannot be
	// loaded, using broker-side stats rather than in-job counters.
	MaxReserves = 3
	MaxTimeouts = 2

	// retryDelay is the re-enqueue delay after a failed run or failed load.
	retryDelay = 30 * time.Second
)

// Options configure a Worker. Store and Queue must be opened by the child
// process itself, never inherited from the parent.
type Options struct {
	Tube     string
	Registry *registry.Registry
	Store    datastore.Datastore
	Queue    queue.Queue

	// In and Out are the parent pipe ends (stdin and stdout of the child).
	In  io.Reader
	Out io.Writer

	// ParentPID, when non-zero, is polled; the worker exits once the parent
	// is gone.
	ParentPID int

	// SuicideAfterJob exits the loop after each processed job so the parent
	// respawns a fresh process, returning memory to the OS.
	SuicideAfterJob bool

	PollInterval time.Duration
	Clock        clock.Clock
}

// Worker is the single-threaded child run loop.
type Worker struct {
	opts     Options
	clock    clock.Clock
	frames   *FrameReader
	out      *FrameWriter
	draining bool
}

func New(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = PollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Worker{
		opts:   opts,
		clock:  opts.Clock,
		frames: NewFrameReader(opts.In),
		out:    NewFrameWriter(opts.Out),
	}
}

// Run drives the loop until the context is canceled, the pipe closes, or
// the parent process disappears.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.out.Write(Frame{Type: FrameReady}); err != nil {
		return fmt.Errorf("writing ready frame: %w", err)
	}
	log.Infow("worker ready", "tube", w.opts.Tube)

	for {
		if !w.pollPipe(ctx) {
			return nil
		}

		if !w.draining {
			processed, err := w.leaseOne(ctx)
			if err != nil {
				log.Errorw("reserving job", "tube", w.opts.Tube, "error", err)
			}
			if processed && w.opts.SuicideAfterJob {
				log.Infow("exiting after job for respawn")
				return nil
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if !w.parentAlive() {
			log.Warnw("parent process gone, exiting")
			return nil
		}
	}
}

// pollPipe waits up to the poll interval for a parent frame. Returns false
// when the loop should exit.
func (w *Worker) pollPipe(ctx context.Context) bool {
	timer := w.clock.Timer(w.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case frame, ok := <-w.frames.Frames():
		if !ok {
			log.Infow("parent pipe closed, exiting")
			return false
		}
		w.handleFrame(frame)
		return true
	case <-timer.C:
		return true
	}
}

func (w *Worker) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameDrain:
		log.Infow("draining")
		w.draining = true
	default:
		log.Warnw("dropping unexpected pipe frame", "type", frame.Type)
	}
}

func (w *Worker) parentAlive() bool {
	if w.opts.ParentPID == 0 {
		return true
	}
	alive, err := process.PidExists(int32(w.opts.ParentPID))
	if err != nil {
		return true
	}
	return alive
}

// leaseOne makes one non-blocking reserve; on a hit it processes the job.
func (w *Worker) leaseOne(ctx context.Context) (bool, error) {
	reserved, err := w.opts.Queue.Reserve(ctx, w.opts.Tube, 0)
	if err != nil || reserved == nil {
		return false, err
	}
	w.processQueueJob(ctx, reserved)
	return true, nil
}

// processQueueJob runs one leased queue entry through the full lifecycle:
// load, dispatch, result normalization, and queue settlement.
func (w *Worker) processQueueJob(ctx context.Context, queueJob *queue.Job) {
	uuid, runner := w.loadJob(ctx, queueJob)
	if runner == nil {
		return
	}
	base := runner.Base()

	// a true running flag at dispatch means the previous holder died
	// mid-run, most likely an OOM kill during the lease
	if base.Running {
		base.RecordError(ctx, job.InternalError, "job was killed - likely out of memory")
		if code := runner.ContinueRunning(); code != job.NoResult {
			base.RecordResult(ctx, code)
			w.deleteQueueJob(ctx, queueJob)
			return
		}
	}

	w.writeFrame(Frame{Type: FrameRunningJobUUID, Value: uuid})
	base.UpdateAttrs(ctx, map[string]any{"running": true})

	code, delay, finished := w.dispatch(ctx, runner)

	w.writeFrame(Frame{Type: FrameRunningJobUUID, Value: ""})
	base.UpdateAttrs(ctx, map[string]any{"running": false})

	w.deleteQueueJob(ctx, queueJob)
	if finished {
		return
	}
	if code == job.NoResult {
		base.Enqueue(ctx, delay, 0)
	} else {
		base.RecordResult(ctx, code)
	}
}

// dispatch calls Run and folds its outcome and every raised error kind into
// (code, delay). finished means the job already recorded its terminal
// result and only the queue entry remains to settle.
func (w *Worker) dispatch(ctx context.Context, runner job.Runner) (code int, delay time.Duration, finished bool) {
	base := runner.Base()

	result, err := w.runRecovering(ctx, runner)
	if err == nil {
		code, delay = normalizeResult(result)
		return code, delay, false
	}

	var signal *job.Signal
	switch {
	case errors.As(err, &signal):
		if signal.Finish {
			base.RecordEvent(ctx, "Error - finished")
			return signal.Code, 0, true
		}
		base.RecordEvent(ctx, "Error - restarting")
		return runner.ContinueRunning(), retryDelay, false

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Warnw("run interrupted", "uuid", base.UUID, "error", err)
		return job.NoResult, retryDelay, false

	case errors.Is(err, datastore.ErrTimeout):
		log.Warnw("datastore timed out during run", "uuid", base.UUID, "error", err)
		return job.NoResult, retryDelay, false

	default:
		log.Errorw("run failed", "uuid", base.UUID, "error", err)
		base.RecordError(ctx, job.InternalError, err.Error())
		return runner.ContinueRunning(), retryDelay, false
	}
}

// runRecovering invokes Run, converting a panic into an error carrying the
// stack. Nothing inside Run is allowed to crash the worker.
func (w *Worker) runRecovering(ctx context.Context, runner job.Runner) (result job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in run: %v\n%s", r, debug.Stack())
		}
	}()
	return runner.Run(ctx)
}

// normalizeResult coerces a Run result: zero code means success (200), zero
// delay means ten seconds.
func normalizeResult(result job.Result) (int, time.Duration) {
	code := result.Code
	if code == 0 {
		code = 200
	}
	delay := result.Delay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	return code, delay
}

// loadJob parses the queue body and hydrates the job. On failure it polices
// broker-side stats: past the reserve or timeout bound the entry is deleted
// (with a terminal error recorded when a record exists); under the bound it
// is released for another attempt.
func (w *Worker) loadJob(ctx context.Context, queueJob *queue.Job) (string, job.Runner) {
	var uuid string
	parseErr := json.Unmarshal(queueJob.Body, &uuid)

	var runner job.Runner
	var loadErr error
	if parseErr == nil {
		keepalive := func() {
			if err := w.opts.Queue.Touch(ctx, queueJob.ID); err != nil {
				log.Warnw("touching lease", "uuid", uuid, "error", err)
			}
		}
		runner, loadErr = w.opts.Registry.GetJob(ctx, uuid, w.opts.Store, w.opts.Queue, keepalive)
		if loadErr == nil {
			return uuid, runner
		}
	}

	log.Warnw("cannot load queue job",
		"body", string(queueJob.Body),
		"parseError", parseErr,
		"loadError", loadErr,
		"reserves", queueJob.Stats.Reserves,
		"timeouts", queueJob.Stats.Timeouts)

	var reason string
	switch {
	case queueJob.Stats.Reserves > MaxReserves:
		reason = fmt.Sprintf("more than %d reserves, deleting from queue", MaxReserves)
	case queueJob.Stats.Timeouts > MaxTimeouts:
		reason = fmt.Sprintf("more than %d timeouts, deleting from queue", MaxTimeouts)
	default:
		if err := w.opts.Queue.Release(ctx, queueJob.ID, retryDelay); err != nil {
			log.Errorw("releasing unloadable job", "error", err)
		}
		return "", nil
	}

	w.deleteQueueJob(ctx, queueJob)
	if parseErr == nil {
		w.recordTerminalError(ctx, uuid, reason)
	}
	return "", nil
}

// bareJob carries the base fields of a record whose concrete type cannot be
// hydrated, just enough to mark it failed.
type bareJob struct {
	job.Job
}

func (b *bareJob) Run(ctx context.Context) (job.Result, error) {
	return job.Result{}, errors.New("bare job is not runnable")
}

// recordTerminalError marks a job record that exists but cannot be hydrated
// as terminally failed. A missing record is fine: there is nothing to mark.
func (w *Worker) recordTerminalError(ctx context.Context, uuid string, reason string) {
	raw, cas, err := w.opts.Store.ReadWithCAS(ctx, job.MakeKey(uuid))
	if err != nil {
		if !errors.Is(err, datastore.ErrNotFound) {
			log.Errorw("reading job record", "uuid", uuid, "error", err)
		}
		return
	}

	bare := &bareJob{}
	if err := json.Unmarshal(raw, bare); err != nil {
		log.Errorw("decoding job record", "uuid", uuid, "error", err)
		return
	}
	bare.Bind(bare, w.opts.Store, w.opts.Queue, nil, cas)
	bare.RecordError(ctx, job.InternalError, reason)
	bare.RecordResult(ctx, job.InternalError)
}

func (w *Worker) deleteQueueJob(ctx context.Context, queueJob *queue.Job) {
	if err := w.opts.Queue.Delete(ctx, queueJob.ID); err != nil {
		log.Errorw("deleting queue job", "id", queueJob.ID, "error", err)
	}
}

func (w *Worker) writeFrame(frame Frame) {
	if err := w.out.Write(frame); err != nil {
		log.Errorw("writing pipe frame", "type", frame.Type, "error", err)
	}
}

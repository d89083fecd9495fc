package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/internal/testutil"
	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/job"
)

type countJob struct {
	job.Job
	Count int `json:"count"`
}

func (c *countJob) Run(ctx context.Context) (job.Result, error) {
	c.Count++
	return job.Result{}, nil
}

func newTestJob(t *testing.T) (*countJob, *memds.Datastore, *testutil.FakeQueue) {
	t.Helper()
	store := memds.New()
	q := testutil.NewFakeQueue(nil)
	j := &countJob{}
	j.InitDefaults("countJob", "countJob")
	j.Bind(j, store, q, nil, 0)
	return j, store, q
}

func TestJobDefaults(t *testing.T) {
	j, _, _ := newTestJob(t)

	require.Equal(t, "zerog_job", j.DocumentType)
	require.Equal(t, "countJob", j.JobType)
	require.NotEmpty(t, j.UUID)
	require.Equal(t, "countJob_"+j.UUID, j.LogID)
	require.Equal(t, job.NoResult, j.ResultCode)
	require.Equal(t, job.DefaultTickValue, j.Tickval)
	require.Zero(t, j.CAS())
	require.Equal(t, "zerog_job_"+j.UUID, j.Key())
}

func TestSaveReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	j.Count = 7

	require.NoError(t, j.Save(ctx))
	require.NotZero(t, j.CAS())

	raw, err := store.Read(ctx, j.Key())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, float64(7), doc["count"])
	require.Equal(t, "zerog_job", doc["documentType"])

	j.Count = 0
	require.NoError(t, j.Reload(ctx))
	require.Equal(t, 7, j.Count)
}

func TestSaveDetectsConflict(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	require.NoError(t, j.Save(ctx))

	// another writer bumps the record behind our back
	_, cas, err := store.ReadWithCAS(ctx, j.Key())
	require.NoError(t, err)
	_, err = store.SetWithCAS(ctx, j.Key(), []byte(`{}`), cas)
	require.NoError(t, err)

	err = j.Save(ctx)
	require.ErrorIs(t, err, datastore.ErrCASMismatch)
}

func TestRecordChangeRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	require.NoError(t, j.Save(ctx))

	// concurrent update: errorCount bumped by someone else
	raw, cas, err := store.ReadWithCAS(ctx, j.Key())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["count"] = 42
	updated, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = store.SetWithCAS(ctx, j.Key(), updated, cas)
	require.NoError(t, err)

	// stale in-memory copy still persists its event after reload-and-retry,
	// without losing the concurrent count update
	require.True(t, j.RecordEvent(ctx, "hello"))
	require.NoError(t, j.Reload(ctx))
	require.Equal(t, 42, j.Count)
	require.Len(t, j.Events, 1)
	require.Equal(t, "hello", j.Events[0].Msg)
}

func TestRecordChangeGivesUpOnHardError(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	require.NoError(t, j.Save(ctx))

	boom := errors.New("disk on fire")
	store.SetFault(func(op, key string) error {
		if op == "set" {
			return boom
		}
		return nil
	})
	require.False(t, j.RecordEvent(ctx, "nope"))
}

func TestAuditStreams(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)

	require.True(t, j.RecordEvent(ctx, "started"))
	require.True(t, j.RecordWarning(ctx, "slow"))
	require.True(t, j.RecordError(ctx, 500, "bad"))
	require.True(t, j.RecordError(ctx, 500, "worse"))

	require.Len(t, j.Events, 1)
	require.Len(t, j.Warnings, 1)
	require.Len(t, j.Errors, 2)
	require.Equal(t, 2, j.ErrorCount)
	require.Equal(t, 500, j.Errors[0].ErrorCode)
	require.False(t, j.Errors[0].TimeStamp.IsZero())

	require.NoError(t, j.Reload(ctx))
	require.Equal(t, 2, j.ErrorCount)
	require.Len(t, j.Errors, 2)
}

func TestAuditEntryFieldSpelling(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	require.True(t, j.RecordError(ctx, 404, "missing"))

	raw, err := store.Read(ctx, j.Key())
	require.NoError(t, err)
	var doc struct {
		Errors []map[string]any `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Errors, 1)
	require.Contains(t, doc.Errors[0], "timeStamp")
	require.Contains(t, doc.Errors[0], "errorCode")
}

func TestContinueRunning(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)

	require.Equal(t, job.NoResult, j.ContinueRunning())
	for range job.MaxErrors {
		j.RecordError(ctx, 500, "x")
	}
	require.Equal(t, job.InternalError, j.ContinueRunning())
}

func TestCompletenessClamping(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)

	require.True(t, j.SetCompleteness(ctx, 0.5))
	require.Equal(t, 0.5, j.Completeness)

	require.True(t, j.SetCompleteness(ctx, 1.7))
	require.Equal(t, 1.0, j.Completeness)

	require.True(t, j.SetCompleteness(ctx, -0.2))
	require.Equal(t, 0.0, j.Completeness)
}

func TestTickBatchesPersistence(t *testing.T) {
	ctx := context.Background()
	j, store, _ := newTestJob(t)
	require.NoError(t, j.Save(ctx))
	require.True(t, j.SetTickValue(ctx, 0.003))
	before := j.CAS()

	j.Tick(ctx) // 0.003
	j.Tick(ctx) // 0.006
	j.Tick(ctx) // 0.009
	require.Equal(t, before, j.CAS(), "below-threshold ticks must not persist")

	j.Tick(ctx) // 0.012, flushes
	require.Greater(t, j.CAS(), before)
	require.Zero(t, j.Tickcount)
	require.InDelta(t, 0.012, j.Completeness, 1e-9)

	raw, err := store.Read(ctx, j.Key())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.InDelta(t, 0.012, doc["completeness"], 1e-9)
}

func TestKeepAliveCallback(t *testing.T) {
	ctx := context.Background()
	store := memds.New()
	q := testutil.NewFakeQueue(nil)
	calls := 0
	j := &countJob{}
	j.InitDefaults("countJob", "countJob")
	j.Bind(j, store, q, func() { calls++ }, 0)

	j.KeepAlive()
	require.Equal(t, 1, calls)
	require.True(t, j.SetCompleteness(ctx, 0.1))
	require.Equal(t, 2, calls, "progress updates defer the lease")
}

func TestRecordResult(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)
	require.True(t, j.RecordResult(ctx, 200))
	require.Equal(t, 200, j.ResultCode)
	require.Equal(t, 1.0, j.Completeness)
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("saves then puts uuid", func(t *testing.T) {
		j, _, q := newTestJob(t)
		require.True(t, j.Enqueue(ctx, 0, time.Minute))
		require.NotZero(t, j.CAS())
		require.Equal(t, int64(1), j.QueueJobID)
		require.Equal(t, 60.0, j.QueueKwargs.TTR)

		msg, err := q.Reserve(ctx, j.QueueName, 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		var uuid string
		require.NoError(t, json.Unmarshal(msg.Body, &uuid))
		require.Equal(t, j.UUID, uuid)
	})

	t.Run("default ttr", func(t *testing.T) {
		j, _, _ := newTestJob(t)
		require.True(t, j.Enqueue(ctx, 0, 0))
		require.Equal(t, job.DefaultTTR.Seconds(), j.QueueKwargs.TTR)
	})

	t.Run("broker failure records -1 and no retry", func(t *testing.T) {
		j, _, q := newTestJob(t)
		q.PutErr = errors.New("broker gone")
		require.True(t, j.Enqueue(ctx, 0, time.Minute))
		require.Equal(t, int64(-1), j.QueueJobID)
	})
}

func TestFlowSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("error continue", func(t *testing.T) {
		j, _, _ := newTestJob(t)
		err := j.ErrorContinue(ctx, 500, "transient")
		var sig *job.Signal
		require.ErrorAs(t, err, &sig)
		require.False(t, sig.Finish)
		require.Equal(t, 500, sig.Code)
		require.Equal(t, 1, j.ErrorCount)
		require.Equal(t, job.NoResult, j.ResultCode)
	})

	t.Run("error finish", func(t *testing.T) {
		j, _, _ := newTestJob(t)
		err := j.ErrorFinish(ctx, 500, "fatal")
		var sig *job.Signal
		require.ErrorAs(t, err, &sig)
		require.True(t, sig.Finish)
		require.Equal(t, 500, j.ResultCode)
		require.Equal(t, 1.0, j.Completeness)
	})

	t.Run("warning finish", func(t *testing.T) {
		j, _, _ := newTestJob(t)
		err := j.WarningFinish(ctx, 204, "nothing to do")
		var sig *job.Signal
		require.ErrorAs(t, err, &sig)
		require.True(t, sig.Finish)
		require.Equal(t, 204, sig.Code)
		require.Len(t, j.Warnings, 1)
		require.Empty(t, j.Errors)
	})
}

func TestProgressAndInfo(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)
	require.True(t, j.SetCompleteness(ctx, 0.25))
	require.True(t, j.RecordWarning(ctx, "heads up"))

	progress := j.Progress()
	require.Equal(t, 0.25, progress["completeness"])
	require.Equal(t, job.NoResult, progress["result"])

	info := j.Info()
	require.Equal(t, 0.25, info["completeness"])
	require.Len(t, info["warnings"], 1)
}

func TestUpdateAttrs(t *testing.T) {
	ctx := context.Background()
	j, _, _ := newTestJob(t)
	require.True(t, j.UpdateAttrs(ctx, map[string]any{"count": 9, "logId": "override"}))
	require.Equal(t, 9, j.Count)
	require.Equal(t, "override", j.LogID)

	require.NoError(t, j.Reload(ctx))
	require.Equal(t, 9, j.Count)
}

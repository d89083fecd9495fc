package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/internal/testutil"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/mgmt"
	"github.com/motivemetrics/zerog/pkg/registry"
	"github.com/motivemetrics/zerog/pkg/worker"
)

type sleepJob struct {
	job.Job
	Seconds float64 `json:"seconds"`
}

func (s *sleepJob) Run(ctx context.Context) (job.Result, error) {
	return job.Result{Code: 200}, nil
}

type fakeChild struct {
	pid    int
	frames chan worker.Frame
	sent   []worker.Frame
	status ChildStatus
	killed bool
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, frames: make(chan worker.Frame, 16)}
}

func (c *fakeChild) PID() int                    { return c.pid }
func (c *fakeChild) Frames() <-chan worker.Frame { return c.frames }
func (c *fakeChild) Status() ChildStatus         { return c.status }
func (c *fakeChild) Wait()                       {}

func (c *fakeChild) Send(frame worker.Frame) error {
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeChild) Kill() error {
	c.killed = true
	c.status = ChildGone
	return nil
}

func (c *fakeChild) emitRunning(uuid string) {
	c.frames <- worker.Frame{Type: worker.FrameRunningJobUUID, Value: uuid}
}

type env struct {
	server   *Server
	store    *memds.Datastore
	queue    *testutil.FakeQueue
	registry *registry.Registry
	spawned  []*fakeChild
	ctrl     *mgmt.Channel
	updates  *mgmt.Channel
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    memds.New(),
		queue:    testutil.NewFakeQueue(nil),
		registry: registry.New(),
	}
	require.NoError(t, e.registry.AddClasses(registry.Class{
		JobType: "sleep",
		Schema:  registry.MustJSONSchema(`{"type": "object"}`),
		New:     func() job.Runner { return &sleepJob{} },
	}).Err())

	spawn := func(ctx context.Context) (Child, error) {
		child := newFakeChild(1000 + len(e.spawned))
		e.spawned = append(e.spawned, child)
		return child, nil
	}
	e.server = New(Options{
		ServiceName: "testsvc",
		Host:        "host-a",
		Registry:    e.registry,
		Store:       e.store,
		Queue:       e.queue,
		Spawn:       spawn,
	}, 42)

	ctx := context.Background()
	require.NoError(t, e.server.ctrl.Attach(ctx))
	e.server.respawn(ctx)
	require.Equal(t, StateActiveIdle, e.server.state)

	e.ctrl = mgmt.NewChannel(e.queue, e.server.WorkerID())
	e.updates = mgmt.NewChannel(e.queue, mgmt.UpdatesTube)
	return e
}

func (e *env) child() *fakeChild { return e.spawned[len(e.spawned)-1] }

func (e *env) poll(t *testing.T) {
	t.Helper()
	e.server.doPoll(context.Background())
}

func (e *env) control(t *testing.T, msg mgmt.Msg) {
	t.Helper()
	require.NoError(t, e.ctrl.SendMsg(context.Background(), msg))
	e.poll(t)
}

func (e *env) drainUpdates(t *testing.T) []mgmt.Msg {
	t.Helper()
	var msgs []mgmt.Msg
	for {
		msg, err := e.updates.GetMsg(context.Background())
		require.NoError(t, err)
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func (e *env) startJob(t *testing.T) *job.Job {
	t.Helper()
	ctx := context.Background()
	runner, err := e.server.MakeJob(ctx, map[string]any{"seconds": 5}, "sleep")
	require.NoError(t, err)
	base := runner.Base()
	require.True(t, base.Enqueue(ctx, 0, time.Minute))

	e.child().emitRunning(base.UUID)
	e.poll(t)
	require.Equal(t, StateActiveRunning, e.server.state)
	return base
}

func TestWorkerIDNaming(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, "zerog+$host-a+$testsvc+$42", e.server.WorkerID())
	require.Equal(t, "testsvc_jobs", JobTube("testsvc"))
}

func TestJobBoundaryTransitions(t *testing.T) {
	e := newEnv(t)
	base := e.startJob(t)

	msgs := e.drainUpdates(t)
	require.Len(t, msgs, 1)
	start := msgs[0].(*mgmt.JobMsg)
	require.Equal(t, mgmt.ActionStart, start.Action)
	require.Equal(t, base.UUID, start.UUID)

	e.child().emitRunning("")
	e.poll(t)
	require.Equal(t, StateActiveIdle, e.server.state)

	msgs = e.drainUpdates(t)
	require.Len(t, msgs, 1)
	end := msgs[0].(*mgmt.JobMsg)
	require.Equal(t, mgmt.ActionEnd, end.Action)
	require.Equal(t, base.UUID, end.UUID)
}

func TestDrainWhileRunning(t *testing.T) {
	e := newEnv(t)
	base := e.startJob(t)
	e.drainUpdates(t)

	e.control(t, mgmt.NewDrainMsg())
	require.Equal(t, StateDrainingRunning, e.server.state)
	require.Empty(t, e.child().sent, "drain must not be forwarded mid-run")

	e.control(t, mgmt.NewRequestInfoMsg())
	msgs := e.drainUpdates(t)
	require.Len(t, msgs, 1)
	info := msgs[0].(*mgmt.InfoMsg)
	require.Equal(t, "drainingRunning", info.State)
	require.Equal(t, base.UUID, info.UUID)
	require.False(t, info.Retiring)

	// job finishes: drain is finally forwarded to the child
	e.child().emitRunning("")
	e.poll(t)
	require.Equal(t, StateDrainingIdle, e.server.state)
	require.Equal(t, []worker.Frame{{Type: worker.FrameDrain}}, e.child().sent)
}

func TestDrainWhileIdle(t *testing.T) {
	e := newEnv(t)
	e.control(t, mgmt.NewDrainMsg())
	require.Equal(t, StateDrainingIdle, e.server.state)
	require.Equal(t, []worker.Frame{{Type: worker.FrameDrain}}, e.child().sent)
}

func TestUndrain(t *testing.T) {
	t.Run("while running", func(t *testing.T) {
		e := newEnv(t)
		e.startJob(t)
		e.control(t, mgmt.NewDrainMsg())
		require.Equal(t, StateDrainingRunning, e.server.state)

		e.control(t, mgmt.NewUndrainMsg())
		require.Equal(t, StateActiveRunning, e.server.state)
	})

	t.Run("while idle replaces the drained child", func(t *testing.T) {
		e := newEnv(t)
		e.control(t, mgmt.NewDrainMsg())
		drained := e.child()

		e.control(t, mgmt.NewUndrainMsg())
		require.Equal(t, StateActiveIdle, e.server.state)
		require.True(t, drained.killed)
		require.NotSame(t, drained, e.child())
	})
}

func TestRetireIsIrreversible(t *testing.T) {
	e := newEnv(t)
	e.startJob(t)
	e.drainUpdates(t)

	e.control(t, mgmt.NewRetireMsg())
	require.Equal(t, StateDrainingRunning, e.server.state)
	require.True(t, e.server.retiring)

	e.control(t, mgmt.NewUndrainMsg())
	require.Equal(t, StateDrainingRunning, e.server.state, "undrain ignored while retiring")

	e.control(t, mgmt.NewRequestInfoMsg())
	msgs := e.drainUpdates(t)
	info := msgs[len(msgs)-1].(*mgmt.InfoMsg)
	require.True(t, info.Retiring)
}

func TestKillJob(t *testing.T) {
	t.Run("kills the matching running job", func(t *testing.T) {
		ctx := context.Background()
		e := newEnv(t)
		base := e.startJob(t)
		child := e.child()
		e.drainUpdates(t)

		e.control(t, mgmt.NewKillJobMsg(base.UUID))
		require.True(t, child.killed)
		require.Equal(t, StateActiveIdle, e.server.state, "respawned after kill")
		require.NotSame(t, child, e.child())

		require.NoError(t, base.Reload(ctx))
		require.Equal(t, job.Killed, base.ResultCode)
		require.Len(t, base.Errors, 1)
		require.Contains(t, base.Errors[0].Msg, "Killed by user")

		// queue entry settled
		reserved, err := e.queue.Reserve(ctx, e.server.jobTube, 0)
		require.NoError(t, err)
		require.Nil(t, reserved)

		msgs := e.drainUpdates(t)
		end := msgs[len(msgs)-1].(*mgmt.JobMsg)
		require.Equal(t, mgmt.ActionEnd, end.Action)
	})

	t.Run("stale kill is ignored", func(t *testing.T) {
		e := newEnv(t)
		base := e.startJob(t)
		child := e.child()

		e.control(t, mgmt.NewKillJobMsg("some-other-uuid"))
		require.False(t, child.killed)
		require.Equal(t, StateActiveRunning, e.server.state)

		require.NoError(t, base.Reload(context.Background()))
		require.Equal(t, job.NoResult, base.ResultCode)
	})

	t.Run("no respawn while draining", func(t *testing.T) {
		e := newEnv(t)
		base := e.startJob(t)
		e.control(t, mgmt.NewDrainMsg())
		spawnedBefore := len(e.spawned)

		e.control(t, mgmt.NewKillJobMsg(base.UUID))
		require.Equal(t, StateDrainingDown, e.server.state)
		require.Len(t, e.spawned, spawnedBefore)
	})
}

func TestZombieChild(t *testing.T) {
	t.Run("mid-run records an OOM error and respawns", func(t *testing.T) {
		ctx := context.Background()
		e := newEnv(t)
		base := e.startJob(t)
		e.drainUpdates(t)

		e.child().status = ChildZombie
		e.poll(t)

		require.Equal(t, StateActiveIdle, e.server.state)
		require.Len(t, e.spawned, 2)

		require.NoError(t, base.Reload(ctx))
		require.Len(t, base.Errors, 1)
		require.Contains(t, base.Errors[0].Msg, "possibly out of memory")

		msgs := e.drainUpdates(t)
		end := msgs[len(msgs)-1].(*mgmt.JobMsg)
		require.Equal(t, mgmt.ActionEnd, end.Action)
		require.Equal(t, base.UUID, end.UUID)
	})

	t.Run("while draining goes down instead of respawning", func(t *testing.T) {
		e := newEnv(t)
		e.control(t, mgmt.NewDrainMsg())

		e.child().status = ChildGone
		e.poll(t)
		require.Equal(t, StateDrainingDown, e.server.state)
		require.Len(t, e.spawned, 1)
	})
}

func TestSnapshot(t *testing.T) {
	e := newEnv(t)
	base := e.startJob(t)

	info := e.server.Info()
	require.Equal(t, e.server.WorkerID(), info.WorkerID)
	require.Equal(t, StateActiveRunning, info.State)
	require.Equal(t, base.UUID, info.RunningJobUUID)
	require.False(t, info.Retiring)
	require.NotZero(t, info.Mem.Available)
}

func TestControlTubeWatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// the server's watch on its control tube marks it alive to managers
	watchers, err := e.queue.StatsTube(ctx, e.server.WorkerID())
	require.NoError(t, err)
	require.Equal(t, 1, watchers.Watching)
}

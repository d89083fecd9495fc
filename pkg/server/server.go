// Package server implements the supervisor parent: it spawns and watches the
// worker child process, forwards management commands, and reports job
// boundaries and worker health on the updates tube.
package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/mgmt"
	"github.com/motivemetrics/zerog/pkg/queue"
	"github.com/motivemetrics/zerog/pkg/registry"
	"github.com/motivemetrics/zerog/pkg/worker"
)

var log = logging.Logger("zerog/server")

// PollInterval is the supervision tick.
const PollInterval = 2 * time.Second

// State is the supervisor's lifecycle state.
type State string

const (
	StateActiveIdle      State = "activeIdle"
	StateActiveRunning   State = "activeRunning"
	StateDrainingIdle    State = "drainingIdle"
	StateDrainingRunning State = "drainingRunning"
	StateDrainingDown    State = "drainingDown"
)

func (s State) draining() bool {
	return s == StateDrainingIdle || s == StateDrainingRunning || s == StateDrainingDown
}

func (s State) active() bool {
	return s == StateActiveIdle || s == StateActiveRunning
}

// Snapshot is the read-only view served to observers.
type Snapshot struct {
	WorkerID       string   `json:"workerId"`
	State          State    `json:"state"`
	RunningJobUUID string   `json:"uuid"`
	Retiring       bool     `json:"retiring"`
	Mem            mgmt.Mem `json:"mem"`
}

// Options configure a Server.
type Options struct {
	ServiceName string
	Host        string
	Registry    *registry.Registry
	Store       datastore.Datastore
	Queue       queue.Queue
	Spawn       Spawner

	PollInterval time.Duration
	Clock        clock.Clock
}

// Server supervises one worker child. All state lives on the run goroutine;
// observers read the atomic snapshot.
type Server struct {
	opts     Options
	clock    clock.Clock
	workerID string
	jobTube  string

	updates *mgmt.Channel
	ctrl    *mgmt.Channel

	child       Child
	state       State
	retiring    bool
	runningUUID string

	snapshot atomic.Pointer[Snapshot]
	stop     chan struct{}
	done     chan struct{}
}

func New(opts Options, pid int) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = PollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	workerID := mgmt.MakeWorkerID(opts.Host, opts.ServiceName, pid)
	s := &Server{
		opts:     opts,
		clock:    opts.Clock,
		workerID: workerID,
		jobTube:  JobTube(opts.ServiceName),
		updates:  mgmt.NewChannel(opts.Queue, mgmt.UpdatesTube),
		ctrl:     mgmt.NewChannel(opts.Queue, workerID),
		state:    StateDrainingDown,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.publish()
	return s
}

// JobTube names the work tube for a service.
func JobTube(serviceName string) string {
	return serviceName + "_jobs"
}

func (s *Server) WorkerID() string { return s.workerID }

// Info returns the current supervisor snapshot plus a live memory reading.
func (s *Server) Info() Snapshot {
	snapshot := *s.snapshot.Load()
	snapshot.Mem = memSnapshot()
	return snapshot
}

// MakeJob validates and constructs a bound job of jobType from data,
// destined for this service's job tube unless data names another.
func (s *Server) MakeJob(ctx context.Context, data map[string]any, jobType string) (job.Runner, error) {
	if _, ok := data["queueName"]; !ok {
		data["queueName"] = s.jobTube
	}
	return s.opts.Registry.MakeJob(ctx, data, s.opts.Store, s.opts.Queue, nil, jobType)
}

// GetJob loads the job stored under uuid.
func (s *Server) GetJob(ctx context.Context, uuid string) (job.Runner, error) {
	return s.opts.Registry.GetJob(ctx, uuid, s.opts.Store, s.opts.Queue, nil)
}

// Start spawns the first child and launches the supervision loop.
func (s *Server) Start(ctx context.Context) error {
	// watching the control tube is what marks this worker alive to managers
	if err := s.ctrl.Attach(ctx); err != nil {
		return fmt.Errorf("attaching control channel: %w", err)
	}
	s.respawn(ctx)
	s.publish()
	go s.run()
	log.Infow("server started", "workerId", s.workerID, "state", s.state)
	return nil
}

// Stop shuts the supervision loop down, kills the child, and marks any
// in-flight job as interrupted by a restart.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stop)
	<-s.done

	if s.child != nil {
		s.drainPipe(ctx)
		_ = s.child.Kill()
		s.child.Wait()
		if s.runningUUID != "" {
			if runner, err := s.GetJob(ctx, s.runningUUID); err == nil {
				runner.Base().RecordEvent(ctx, "System restart")
			}
		}
	}
	return s.ctrl.Detach(ctx)
}

func (s *Server) run() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.doPoll(ctx)
		}
	}
}

// doPoll is the supervision step: worker pipe first, then child process
// health, then the control tube.
func (s *Server) doPoll(ctx context.Context) {
	s.drainPipe(ctx)
	s.superviseChild(ctx)
	s.pollControl(ctx)
	s.publish()
}

func (s *Server) publish() {
	s.snapshot.Store(&Snapshot{
		WorkerID:       s.workerID,
		State:          s.state,
		RunningJobUUID: s.runningUUID,
		Retiring:       s.retiring,
	})
}

// drainPipe consumes every frame the child has written since the last poll.
func (s *Server) drainPipe(ctx context.Context) {
	if s.child == nil {
		return
	}
	for {
		select {
		case frame, ok := <-s.child.Frames():
			if !ok {
				return
			}
			s.handleFrame(ctx, frame)
		default:
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, frame worker.Frame) {
	switch frame.Type {
	case worker.FrameReady:
		log.Infow("worker ready", "pid", s.child.PID())

	case worker.FrameRunningJobUUID:
		if frame.Value != "" {
			s.jobStarted(ctx, frame.Value)
		} else {
			s.jobEnded(ctx)
		}

	default:
		log.Warnw("dropping unexpected worker frame", "type", frame.Type)
	}
}

func (s *Server) jobStarted(ctx context.Context, uuid string) {
	s.runningUUID = uuid
	if s.state.draining() {
		s.setState(StateDrainingRunning)
	} else {
		s.setState(StateActiveRunning)
	}
	s.sendUpdate(ctx, mgmt.NewJobMsg(s.workerID, uuid, mgmt.ActionStart))
}

func (s *Server) jobEnded(ctx context.Context) {
	uuid := s.runningUUID
	s.runningUUID = ""
	if s.state.draining() {
		s.setState(StateDrainingIdle)
		// the child never saw the drain that arrived mid-run
		s.sendDrainFrame()
	} else {
		s.setState(StateActiveIdle)
	}
	s.sendUpdate(ctx, mgmt.NewJobMsg(s.workerID, uuid, mgmt.ActionEnd))
}

// superviseChild reacts to the child's OS-level health.
func (s *Server) superviseChild(ctx context.Context) {
	if s.child == nil {
		if s.state.active() {
			s.respawn(ctx)
		}
		return
	}

	status := s.child.Status()
	if status == ChildRunning {
		return
	}

	log.Warnw("worker down", "pid", s.child.PID(), "zombie", status == ChildZombie)
	s.child.Wait()
	s.child = nil

	if s.runningUUID != "" {
		if runner, err := s.GetJob(ctx, s.runningUUID); err == nil {
			runner.Base().RecordError(ctx, job.InternalError,
				"worker failed - possibly out of memory")
		} else {
			log.Errorw("cannot load last running job", "uuid", s.runningUUID, "error", err)
		}
		s.sendUpdate(ctx, mgmt.NewJobMsg(s.workerID, s.runningUUID, mgmt.ActionEnd))
		s.runningUUID = ""
	}

	if s.state.active() {
		s.respawn(ctx)
	} else {
		s.setState(StateDrainingDown)
	}
}

func (s *Server) respawn(ctx context.Context) {
	child, err := s.opts.Spawn(ctx)
	if err != nil {
		log.Errorw("spawning worker", "error", err)
		s.child = nil
		return
	}
	s.child = child
	if s.runningUUID == "" {
		s.setState(StateActiveIdle)
	} else {
		s.setState(StateActiveRunning)
	}
}

// pollControl services every pending control message.
func (s *Server) pollControl(ctx context.Context) {
	for {
		msg, err := s.ctrl.GetMsg(ctx)
		if err != nil {
			log.Errorw("reading control channel", "error", err)
			return
		}
		if msg == nil {
			return
		}

		switch v := msg.(type) {
		case *mgmt.RequestInfoMsg:
			s.sendInfo(ctx)
		case *mgmt.DrainMsg:
			s.drain()
		case *mgmt.UndrainMsg:
			s.undrain(ctx)
		case *mgmt.RetireMsg:
			s.retire()
		case *mgmt.KillJobMsg:
			s.killJob(ctx, v.UUID)
		default:
			log.Warnw("dropping unexpected control message", "msgtype", msg.Type())
		}
	}
}

func (s *Server) sendInfo(ctx context.Context) {
	s.sendUpdate(ctx, mgmt.NewInfoMsg(
		s.workerID, string(s.state), s.runningUUID, memSnapshot(), s.retiring))
}

func (s *Server) drain() {
	switch s.state {
	case StateActiveIdle:
		s.sendDrainFrame()
		s.setState(StateDrainingIdle)
	case StateActiveRunning:
		// let the current job finish; the child is told once it ends
		s.setState(StateDrainingRunning)
	}
}

func (s *Server) undrain(ctx context.Context) {
	if s.retiring {
		log.Infow("ignoring undrain while retiring")
		return
	}
	switch s.state {
	case StateDrainingRunning:
		s.setState(StateActiveRunning)
	case StateDrainingIdle, StateDrainingDown:
		// a drained child never resumes leasing; replace it
		if s.child != nil {
			_ = s.child.Kill()
			s.child.Wait()
			s.child = nil
		}
		s.respawn(ctx)
	}
}

func (s *Server) retire() {
	s.retiring = true
	s.drain()
}

// killJob kills the child if and only if it is running uuid, marks the job
// gone, settles its queue entry, and respawns unless draining.
func (s *Server) killJob(ctx context.Context, uuid string) {
	s.drainPipe(ctx)
	if uuid == "" || uuid != s.runningUUID {
		log.Infow("ignoring stale killJob", "uuid", uuid, "running", s.runningUUID)
		return
	}

	log.Infow("killing running job", "uuid", uuid, "pid", s.child.PID())
	_ = s.child.Kill()
	s.child.Wait()
	s.child = nil
	s.runningUUID = ""

	runner, err := s.GetJob(ctx, uuid)
	if err != nil {
		log.Errorw("cannot load killed job", "uuid", uuid, "error", err)
	} else {
		base := runner.Base()
		base.RecordError(ctx, job.Killed, "Killed by user")
		base.RecordResult(ctx, job.Killed)
		if base.QueueJobID > 0 {
			if err := s.opts.Queue.Delete(ctx, uint64(base.QueueJobID)); err != nil {
				log.Warnw("deleting killed job's queue entry", "uuid", uuid, "error", err)
			}
		}
	}
	s.sendUpdate(ctx, mgmt.NewJobMsg(s.workerID, uuid, mgmt.ActionEnd))

	if s.state.draining() {
		s.setState(StateDrainingDown)
	} else {
		s.respawn(ctx)
	}
}

func (s *Server) sendDrainFrame() {
	if s.child == nil {
		return
	}
	if err := s.child.Send(worker.Frame{Type: worker.FrameDrain}); err != nil {
		log.Warnw("sending drain frame", "error", err)
	}
}

func (s *Server) sendUpdate(ctx context.Context, msg mgmt.Msg) {
	if err := s.updates.SendMsg(ctx, msg); err != nil {
		log.Errorw("sending update", "msgtype", msg.Type(), "error", err)
	}
}

func (s *Server) setState(state State) {
	if s.state == state {
		return
	}
	log.Infow("state change", "from", s.state, "to", state)
	s.state = state
}

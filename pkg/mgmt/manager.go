package mgmt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/motivemetrics/zerog/pkg/queue"
)

// WorkerStatus is the manager's view of one worker, refreshed from its info
// messages.
type WorkerStatus struct {
	Alive          bool
	State          string
	RunningJobUUID string
	Mem            Mem
	Retiring       bool
}

// JobRun is one job boundary event, keyed under (uuid, timestamp).
type JobRun struct {
	WorkerID string
	Action   string
}

// Manager is the operator-side fleet aggregator: it discovers workers from
// their control tubes, polls the shared updates tube, and fans control
// messages out to workers.
type Manager struct {
	q       queue.Queue
	updates *Channel

	mu      sync.Mutex
	ctrl    map[string]*Channel
	workers map[string]*WorkerStatus
	jobRuns map[string]map[string]JobRun
}

func NewManager(ctx context.Context, q queue.Queue) (*Manager, error) {
	updates := NewChannel(q, UpdatesTube)
	if err := updates.Attach(ctx); err != nil {
		return nil, fmt.Errorf("attaching updates channel: %w", err)
	}
	return &Manager{
		q:       q,
		updates: updates,
		ctrl:    make(map[string]*Channel),
		workers: make(map[string]*WorkerStatus),
		jobRuns: make(map[string]map[string]JobRun),
	}, nil
}

// Close detaches the updates channel.
func (m *Manager) Close(ctx context.Context) error {
	return m.updates.Detach(ctx)
}

// ctrlChannel returns the control channel for workerID, creating it lazily.
func (m *Manager) ctrlChannel(workerID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.ctrl[workerID]
	if !ok {
		ch = NewChannel(m.q, workerID)
		m.ctrl[workerID] = ch
	}
	return ch
}

// KnownWorkers lists the live workers by scanning tube names for parseable
// worker ids. A worker tube with no watcher belongs to a dead process: it is
// emptied of stale messages and its channel dropped.
func (m *Manager) KnownWorkers(ctx context.Context) ([]string, error) {
	tubes, err := m.updates.ListAllQueues(ctx)
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error
	var live []string
	for _, tube := range tubes {
		if _, ok := ParseWorkerID(tube); !ok {
			continue
		}
		watchers, err := m.updates.GetNamedQueueWatchers(ctx, tube)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", tube, err))
			continue
		}
		if watchers == 0 {
			log.Infow("dropping dead worker tube", "workerId", tube)
			if err := NewChannel(m.q, tube).Empty(ctx); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("emptying %s: %w", tube, err))
			}
			m.mu.Lock()
			delete(m.ctrl, tube)
			m.mu.Unlock()
			continue
		}
		live = append(live, tube)
	}
	return live, merr.ErrorOrNil()
}

// UpdateWorkers reconciles the worker set against KnownWorkers, drops the
// departed, and requests a fresh info snapshot from each survivor.
func (m *Manager) UpdateWorkers(ctx context.Context) error {
	known, err := m.KnownWorkers(ctx)
	if err != nil {
		return err
	}
	knownSet := lo.SliceToMap(known, func(id string) (string, struct{}) { return id, struct{}{} })

	m.mu.Lock()
	for id := range m.workers {
		if _, ok := knownSet[id]; !ok {
			delete(m.workers, id)
		}
	}
	for _, id := range known {
		if _, ok := m.workers[id]; !ok {
			m.workers[id] = &WorkerStatus{}
		}
	}
	m.mu.Unlock()

	return m.sendToWorkers(ctx, known, func() Msg { return NewRequestInfoMsg() })
}

// sendToWorkers fans one message out to each worker's control tube.
func (m *Manager) sendToWorkers(ctx context.Context, workerIDs []string, build func() Msg) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range workerIDs {
		ch := m.ctrlChannel(id)
		g.Go(func() error {
			if err := ch.SendMsg(ctx, build()); err != nil {
				return fmt.Errorf("sending to %s: %w", ch.Tube(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// PollUpdates drains the shared updates tube, folding job and info messages
// into the manager's state.
func (m *Manager) PollUpdates(ctx context.Context) error {
	for {
		msg, err := m.updates.GetMsg(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		switch v := msg.(type) {
		case *JobMsg:
			m.handleJobMsg(v)
		case *InfoMsg:
			m.handleInfoMsg(v)
		default:
			log.Warnw("dropping unexpected updates message", "msgtype", msg.Type())
		}
	}
}

func (m *Manager) handleJobMsg(msg *JobMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs, ok := m.jobRuns[msg.UUID]
	if !ok {
		runs = make(map[string]JobRun)
		m.jobRuns[msg.UUID] = runs
	}
	runs[msg.Timestamp.String()] = JobRun{WorkerID: msg.WorkerID, Action: msg.Action}

	status, ok := m.workers[msg.WorkerID]
	if !ok {
		status = &WorkerStatus{}
		m.workers[msg.WorkerID] = status
	}
	status.Alive = true
	if msg.Action == ActionStart {
		status.RunningJobUUID = msg.UUID
	} else if status.RunningJobUUID == msg.UUID {
		status.RunningJobUUID = ""
	}
}

func (m *Manager) handleInfoMsg(msg *InfoMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[msg.WorkerID] = &WorkerStatus{
		Alive:          true,
		State:          msg.State,
		RunningJobUUID: msg.UUID,
		Mem:            msg.Mem,
		Retiring:       msg.Retiring,
	}
}

// Workers returns a snapshot of the known worker statuses.
func (m *Manager) Workers() map[string]WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.MapValues(m.workers, func(s *WorkerStatus, _ string) WorkerStatus { return *s })
}

// JobRuns returns a snapshot of the observed job boundaries.
func (m *Manager) JobRuns() map[string]map[string]JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]JobRun, len(m.jobRuns))
	for uuid, runs := range m.jobRuns {
		out[uuid] = lo.Assign(map[string]JobRun{}, runs)
	}
	return out
}

// DrainWorkers tells each worker to stop accepting new jobs.
func (m *Manager) DrainWorkers(ctx context.Context, workerIDs ...string) error {
	return m.sendToWorkers(ctx, workerIDs, func() Msg { return NewDrainMsg() })
}

// UndrainWorkers resumes job acceptance on each worker (ignored by retiring
// workers).
func (m *Manager) UndrainWorkers(ctx context.Context, workerIDs ...string) error {
	return m.sendToWorkers(ctx, workerIDs, func() Msg { return NewUndrainMsg() })
}

// RetireWorkers drains each worker irreversibly.
func (m *Manager) RetireWorkers(ctx context.Context, workerIDs ...string) error {
	return m.sendToWorkers(ctx, workerIDs, func() Msg { return NewRetireMsg() })
}

// KillJob asks workerID to kill uuid; honored only while running it.
func (m *Manager) KillJob(ctx context.Context, workerID, uuid string) error {
	return m.ctrlChannel(workerID).SendMsg(ctx, NewKillJobMsg(uuid))
}

// workersOnHost filters the known worker ids down to one host.
func (m *Manager) workersOnHost(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(lo.Keys(m.workers), func(id string, _ int) bool {
		parsed, ok := ParseWorkerID(id)
		return ok && parsed.Host == host
	})
}

// DrainHost drains (or retires) every worker on host.
func (m *Manager) DrainHost(ctx context.Context, host string, retire bool) error {
	ids := m.workersOnHost(host)
	if retire {
		return m.RetireWorkers(ctx, ids...)
	}
	return m.DrainWorkers(ctx, ids...)
}

// HostIsDrained reports whether every worker on host is draining and idle.
func (m *Manager) HostIsDrained(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, status := range m.workers {
		parsed, ok := ParseWorkerID(id)
		if !ok || parsed.Host != host {
			continue
		}
		if !isDraining(status.State) || status.RunningJobUUID != "" {
			return false
		}
	}
	return true
}

func isDraining(state string) bool {
	return strings.HasPrefix(state, "draining")
}

// WorkersByHost pivots worker ids by host.
func (m *Manager) WorkersByHost() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.GroupBy(lo.Keys(m.workers), func(id string) string {
		parsed, _ := ParseWorkerID(id)
		return parsed.Host
	})
}

// JobCountByHost counts currently-running jobs per host.
func (m *Manager) JobCountByHost() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for id, status := range m.workers {
		parsed, _ := ParseWorkerID(id)
		if status.RunningJobUUID != "" {
			counts[parsed.Host]++
		} else if _, ok := counts[parsed.Host]; !ok {
			counts[parsed.Host] = 0
		}
	}
	return counts
}

// StatesByHost tallies worker states per host.
func (m *Manager) StatesByHost() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]int)
	for id, status := range m.workers {
		parsed, _ := ParseWorkerID(id)
		states, ok := out[parsed.Host]
		if !ok {
			states = make(map[string]int)
			out[parsed.Host] = states
		}
		states[status.State]++
	}
	return out
}

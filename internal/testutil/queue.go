// Package testutil holds in-memory doubles shared by the package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/motivemetrics/zerog/pkg/queue"
)

type fakeMsg struct {
	id       uint64
	tube     string
	body     []byte
	readyAt  time.Time
	ttr      time.Duration
	reserved bool
	expires  time.Time
	buried   bool
	stats    queue.Stats
}

// FakeQueue is an in-memory queue.Queue with broker-side stats, suitable for
// exercising lease accounting without a broker. Time is driven by the
// injected clock so tests can expire leases deterministically.
type FakeQueue struct {
	mu     sync.Mutex
	clock  clock.Clock
	offset time.Duration
	nextID uint64
	msgs   map[uint64]*fakeMsg
	tubes  map[string]int // watcher counts
	closed bool

	// PutErr, when set, is returned by Put. Lets tests simulate a broker
	// outage.
	PutErr error
}

var _ queue.Queue = (*FakeQueue)(nil)

func NewFakeQueue(clk clock.Clock) *FakeQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &FakeQueue{
		clock: clk,
		msgs:  make(map[uint64]*fakeMsg),
		tubes: make(map[string]int),
	}
}

// Advance shifts the queue's notion of now, making delayed entries ready
// and reserved leases expire without real waiting.
func (q *FakeQueue) Advance(d time.Duration) {
	q.mu.Lock()
	q.offset += d
	q.mu.Unlock()
}

// now must be called with q.mu held.
func (q *FakeQueue) now() time.Time {
	return q.clock.Now().Add(q.offset)
}

func (q *FakeQueue) Put(ctx context.Context, tube string, body []byte, delay, ttr time.Duration) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.PutErr != nil {
		return 0, q.PutErr
	}
	q.nextID++
	q.msgs[q.nextID] = &fakeMsg{
		id:      q.nextID,
		tube:    tube,
		body:    body,
		readyAt: q.now().Add(delay),
		ttr:     ttr,
	}
	return q.nextID, nil
}

func (q *FakeQueue) Reserve(ctx context.Context, tube string, timeout time.Duration) (*queue.Job, error) {
	deadline := q.clock.Now().Add(timeout)
	for {
		if job := q.tryReserve(tube); job != nil {
			return job, nil
		}
		if !q.clock.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.clock.After(10 * time.Millisecond):
		}
	}
}

func (q *FakeQueue) tryReserve(tube string) *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var pick *fakeMsg
	for _, m := range q.msgs {
		if m.tube != tube || m.buried {
			continue
		}
		expired := m.reserved && !m.expires.After(now)
		ready := !m.reserved && !m.readyAt.After(now)
		if !ready && !expired {
			continue
		}
		if pick == nil || m.id < pick.id {
			pick = m
		}
	}
	if pick == nil {
		return nil
	}
	if pick.reserved {
		pick.stats.Timeouts++
	}
	pick.reserved = true
	pick.expires = now.Add(pick.ttr)
	pick.stats.Reserves++
	pick.stats.State = "reserved"
	return &queue.Job{ID: pick.id, Body: append([]byte(nil), pick.body...), Stats: pick.stats}
}

func (q *FakeQueue) Delete(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.msgs[id]; !ok {
		return queue.ErrQueueDown
	}
	delete(q.msgs, id)
	return nil
}

func (q *FakeQueue) Release(ctx context.Context, id uint64, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return queue.ErrQueueDown
	}
	m.reserved = false
	m.readyAt = q.now().Add(delay)
	m.stats.Releases++
	m.stats.State = "ready"
	return nil
}

func (q *FakeQueue) Bury(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return queue.ErrQueueDown
	}
	m.reserved = false
	m.buried = true
	m.stats.State = "buried"
	return nil
}

func (q *FakeQueue) Touch(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok || !m.reserved {
		return queue.ErrQueueDown
	}
	m.expires = q.now().Add(m.ttr)
	return nil
}

func (q *FakeQueue) StatsJob(ctx context.Context, id uint64) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return queue.Stats{}, queue.ErrQueueDown
	}
	return m.stats, nil
}

func (q *FakeQueue) ListTubes(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	for _, m := range q.msgs {
		seen[m.tube] = true
	}
	for t := range q.tubes {
		seen[t] = true
	}
	var out []string
	for t := range seen {
		out = append(out, t)
	}
	return out, nil
}

func (q *FakeQueue) StatsTube(ctx context.Context, tube string) (queue.TubeStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := queue.TubeStats{Watching: q.tubes[tube]}
	now := q.now()
	for _, m := range q.msgs {
		if m.tube == tube && !m.reserved && !m.buried && !m.readyAt.After(now) {
			stats.Ready++
		}
	}
	return stats, nil
}

func (q *FakeQueue) Watch(ctx context.Context, tube string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tubes[tube]++
	return nil
}

func (q *FakeQueue) Ignore(ctx context.Context, tube string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tubes[tube] > 0 {
		q.tubes[tube]--
	}
	return nil
}

func (q *FakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

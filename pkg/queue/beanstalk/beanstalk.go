// Package beanstalk adapts a beanstalkd broker to the queue contract. The
// connection transparently redials on socket loss with bounded retries; a
// terminal failure surfaces as queue.ErrQueueDown.
package beanstalk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/motivemetrics/zerog/pkg/queue"
)

var log = logging.Logger("zerog/beanstalk")

const (
	defaultPri     = 1024
	redialMaxTries = 3
)

type Queue struct {
	addr string

	mu   sync.Mutex
	conn *beanstalk.Conn
}

var _ queue.Queue = (*Queue)(nil)

func Dial(addr string) (*Queue, error) {
	conn, err := beanstalk.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing beanstalkd at %s: %w", addr, err)
	}
	return &Queue{addr: addr, conn: conn}, nil
}

// withConn runs fn against the current connection, redialing with bounded
// exponential backoff when the socket is lost mid-operation.
func (q *Queue) withConn(ctx context.Context, fn func(conn *beanstalk.Conn) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if q.conn == nil {
			conn, err := beanstalk.Dial("tcp", q.addr)
			if err != nil {
				log.Warnw("lost connection to beanstalkd, reconnecting", "addr", q.addr, "error", err)
				return struct{}{}, err
			}
			q.conn = conn
		}

		err := fn(q.conn)
		if err == nil {
			return struct{}{}, nil
		}
		if isSocketError(err) {
			q.conn.Close()
			q.conn = nil
			log.Warnw("lost connection to beanstalkd, reconnecting", "addr", q.addr, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithMaxTries(redialMaxTries),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)

	if err != nil && isSocketError(err) {
		return fmt.Errorf("%w: %s", queue.ErrQueueDown, err)
	}
	return err
}

// isSocketError reports network-level failures, as opposed to protocol
// replies like TIMED_OUT or NOT_FOUND.
func isSocketError(err error) bool {
	var connErr beanstalk.ConnError
	if errors.As(err, &connErr) {
		return !errors.Is(connErr.Err, beanstalk.ErrTimeout) &&
			!errors.Is(connErr.Err, beanstalk.ErrNotFound) &&
			!errors.Is(connErr.Err, beanstalk.ErrDeadline) &&
			!errors.Is(connErr.Err, beanstalk.ErrBuried) &&
			!errors.Is(connErr.Err, beanstalk.ErrNotIgnored)
	}
	return false
}

func (q *Queue) Put(ctx context.Context, tube string, body []byte, delay, ttr time.Duration) (uint64, error) {
	var id uint64
	err := q.withConn(ctx, func(conn *beanstalk.Conn) error {
		t := beanstalk.Tube{Conn: conn, Name: tube}
		var err error
		id, err = t.Put(body, defaultPri, delay, ttr)
		return err
	})
	return id, err
}

func (q *Queue) Reserve(ctx context.Context, tube string, timeout time.Duration) (*queue.Job, error) {
	var j *queue.Job
	err := q.withConn(ctx, func(conn *beanstalk.Conn) error {
		ts := beanstalk.NewTubeSet(conn, tube)
		id, body, err := ts.Reserve(timeout)
		if err != nil {
			var connErr beanstalk.ConnError
			if errors.As(err, &connErr) && errors.Is(connErr.Err, beanstalk.ErrTimeout) {
				return nil // empty tube
			}
			return err
		}

		stats, err := conn.StatsJob(id)
		if err != nil {
			return err
		}
		j = &queue.Job{ID: id, Body: body, Stats: statsFromMap(stats)}
		return nil
	})
	return j, err
}

func (q *Queue) Delete(ctx context.Context, id uint64) error {
	return q.withConn(ctx, func(conn *beanstalk.Conn) error {
		return conn.Delete(id)
	})
}

func (q *Queue) Release(ctx context.Context, id uint64, delay time.Duration) error {
	return q.withConn(ctx, func(conn *beanstalk.Conn) error {
		return conn.Release(id, defaultPri, delay)
	})
}

func (q *Queue) Bury(ctx context.Context, id uint64) error {
	return q.withConn(ctx, func(conn *beanstalk.Conn) error {
		return conn.Bury(id, defaultPri)
	})
}

func (q *Queue) Touch(ctx context.Context, id uint64) error {
	return q.withConn(ctx, func(conn *beanstalk.Conn) error {
		return conn.Touch(id)
	})
}

func (q *Queue) StatsJob(ctx context.Context, id uint64) (queue.Stats, error) {
	var s queue.Stats
	err := q.withConn(ctx, func(conn *beanstalk.Conn) error {
		stats, err := conn.StatsJob(id)
		if err != nil {
			return err
		}
		s = statsFromMap(stats)
		return nil
	})
	return s, err
}

func (q *Queue) ListTubes(ctx context.Context) ([]string, error) {
	var tubes []string
	err := q.withConn(ctx, func(conn *beanstalk.Conn) error {
		var err error
		tubes, err = conn.ListTubes()
		return err
	})
	return tubes, err
}

func (q *Queue) StatsTube(ctx context.Context, tube string) (queue.TubeStats, error) {
	var s queue.TubeStats
	err := q.withConn(ctx, func(conn *beanstalk.Conn) error {
		t := beanstalk.Tube{Conn: conn, Name: tube}
		stats, err := t.Stats()
		if err != nil {
			return err
		}
		s = queue.TubeStats{
			Watching: atoi(stats["current-watching"]),
			Ready:    atoi(stats["current-jobs-ready"]),
		}
		return nil
	})
	return s, err
}

// Watch registers the connection as a watcher of tube. beanstalkd attaches
// watches on reserve, so this issues a zero-timeout reserve and releases any
// message it happens to lease.
func (q *Queue) Watch(ctx context.Context, tube string) error {
	j, err := q.Reserve(ctx, tube, 0)
	if err != nil {
		return err
	}
	if j != nil {
		return q.Release(ctx, j.ID, 0)
	}
	return nil
}

// Ignore forces the connection's watch list back to the default tube, which
// drops the watch on every other tube on the next reserve adjustment.
func (q *Queue) Ignore(ctx context.Context, tube string) error {
	return q.withConn(ctx, func(conn *beanstalk.Conn) error {
		ts := beanstalk.NewTubeSet(conn, "default")
		_, _, err := ts.Reserve(0)
		var connErr beanstalk.ConnError
		if errors.As(err, &connErr) && errors.Is(connErr.Err, beanstalk.ErrTimeout) {
			return nil
		}
		return err
	})
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	return err
}

func statsFromMap(m map[string]string) queue.Stats {
	return queue.Stats{
		Reserves: atoi(m["reserves"]),
		Timeouts: atoi(m["timeouts"]),
		Releases: atoi(m["releases"]),
		State:    m["state"],
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

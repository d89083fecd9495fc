// Package sqltube adapts lib/tubequeue to the queue contract, for
// deployments that run the broker inside SQLite or PostgreSQL instead of
// beanstalkd.
package sqltube

import (
	"context"
	"database/sql"
	"time"

	"github.com/motivemetrics/zerog/lib/tubequeue"
	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/queue"
)

type Queue struct {
	inner *tubequeue.Queue
	db    *sql.DB
}

var _ queue.Queue = (*Queue)(nil)

// New wraps db as a tube queue. Setup must have been run against db with the
// same dialect.
func New(db *sql.DB, d dialect.Dialect) (*Queue, error) {
	inner, err := tubequeue.New(tubequeue.NewOpts{DB: db, Dialect: d})
	if err != nil {
		return nil, err
	}
	return &Queue{inner: inner, db: db}, nil
}

// Setup creates the broker tables.
func Setup(ctx context.Context, db *sql.DB, d dialect.Dialect) error {
	return tubequeue.SetupWithDialect(ctx, db, d)
}

func (q *Queue) Put(ctx context.Context, tube string, body []byte, delay, ttr time.Duration) (uint64, error) {
	return q.inner.Put(ctx, tube, body, delay, ttr)
}

func (q *Queue) Reserve(ctx context.Context, tube string, timeout time.Duration) (*queue.Job, error) {
	j, err := q.inner.ReserveWait(ctx, tube, timeout)
	if err != nil || j == nil {
		return nil, err
	}
	return &queue.Job{
		ID:    j.ID,
		Body:  j.Body,
		Stats: statsOut(j.Stats),
	}, nil
}

func (q *Queue) Delete(ctx context.Context, id uint64) error {
	return q.inner.Delete(ctx, id)
}

func (q *Queue) Release(ctx context.Context, id uint64, delay time.Duration) error {
	return q.inner.Release(ctx, id, delay)
}

func (q *Queue) Bury(ctx context.Context, id uint64) error {
	return q.inner.Bury(ctx, id)
}

func (q *Queue) Touch(ctx context.Context, id uint64) error {
	return q.inner.Touch(ctx, id)
}

func (q *Queue) StatsJob(ctx context.Context, id uint64) (queue.Stats, error) {
	s, err := q.inner.StatsJob(ctx, id)
	if err != nil {
		return queue.Stats{}, err
	}
	return statsOut(s), nil
}

func (q *Queue) ListTubes(ctx context.Context) ([]string, error) {
	return q.inner.ListTubes(ctx)
}

func (q *Queue) StatsTube(ctx context.Context, tube string) (queue.TubeStats, error) {
	s, err := q.inner.StatsTube(ctx, tube)
	if err != nil {
		return queue.TubeStats{}, err
	}
	return queue.TubeStats{Watching: s.Watching, Ready: s.Ready}, nil
}

func (q *Queue) Watch(ctx context.Context, tube string) error {
	return q.inner.Watch(ctx, tube)
}

func (q *Queue) Ignore(ctx context.Context, tube string) error {
	return q.inner.Ignore(ctx, tube)
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (q *Queue) Close() error {
	return nil
}

func statsOut(s tubequeue.Stats) queue.Stats {
	return queue.Stats{
		Reserves: s.Reserves,
		Timeouts: s.Timeouts,
		Releases: s.Releases,
		State:    s.State,
	}
}

// Copyright (c) https://github.com/maragudk/goqite
// https://github.com/maragudk/goqite/blob/6d1bf3c0bcab5a683e0bc7a82a4c76ceac1bbe3f/LICENSE
//
// This source code is licensed under the MIT license found in the LICENSE file
// in the root directory of this source tree, or at:
// https://opensource.org/licenses/MIT

package tubequeue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/lib/tubequeue"
	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
	"github.com/motivemetrics/zerog/pkg/database/sqlitedb"
)

func newQueue(t *testing.T) *tubequeue.Queue {
	t.Helper()
	db, err := sqlitedb.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, tubequeue.Setup(ctx, db))

	q, err := tubequeue.New(tubequeue.NewOpts{DB: db, Dialect: dialect.SQLite})
	require.NoError(t, err)
	return q
}

func TestPutReserveDelete(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	id, err := q.Put(ctx, "jobs", []byte("one"), 0, time.Minute)
	require.NoError(t, err)
	require.NotZero(t, id)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, id, j.ID)
	require.Equal(t, []byte("one"), j.Body)
	require.Equal(t, 1, j.Stats.Reserves)
	require.Equal(t, tubequeue.StateReserved, j.Stats.State)

	// Reserved messages are invisible to other reserves.
	j2, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Nil(t, j2)

	require.NoError(t, q.Delete(ctx, j.ID))
	_, err = q.StatsJob(ctx, j.ID)
	require.Error(t, err)
}

func TestReserveOrder(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	first, err := q.Put(ctx, "jobs", []byte("a"), 0, time.Minute)
	require.NoError(t, err)
	_, err = q.Put(ctx, "jobs", []byte("b"), 0, time.Minute)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, first, j.ID)
}

func TestDelayedMessage(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	id, err := q.Put(ctx, "jobs", []byte("later"), 50*time.Millisecond, time.Minute)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Nil(t, j)

	stats, err := q.StatsJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, tubequeue.StateDelayed, stats.State)

	time.Sleep(60 * time.Millisecond)
	j, err = q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestExpiredLeaseCountsTimeout(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "jobs", []byte("x"), 0, 30*time.Millisecond)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, 0, j.Stats.Timeouts)

	time.Sleep(50 * time.Millisecond)

	j, err = q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, 2, j.Stats.Reserves)
	require.Equal(t, 1, j.Stats.Timeouts)
}

func TestTouchExtendsLease(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "jobs", []byte("x"), 0, 60*time.Millisecond)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)

	// Keep touching past the original ttr; the lease must hold.
	for range 3 {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.Touch(ctx, j.ID))
	}

	other, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestReleaseWithDelay(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "jobs", []byte("x"), 0, time.Minute)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, j.ID, 40*time.Millisecond))

	stats, err := q.StatsJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Releases)
	require.Equal(t, tubequeue.StateDelayed, stats.State)

	early, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Nil(t, early)

	time.Sleep(50 * time.Millisecond)
	j, err = q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, 2, j.Stats.Reserves)
}

func TestBuriedMessageStaysBuried(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "jobs", []byte("x"), 0, time.Minute)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, q.Bury(ctx, j.ID))

	again, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)
	require.Nil(t, again)

	stats, err := q.StatsJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, tubequeue.StateBuried, stats.State)
}

func TestReserveWait(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Put(ctx, "jobs", []byte("late"), 0, time.Minute)
	}()

	j, err := q.ReserveWait(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, []byte("late"), j.Body)
}

func TestReserveWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	start := time.Now()
	j, err := q.ReserveWait(ctx, "empty", 150*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, j)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestTubeIsolation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "a", []byte("x"), 0, time.Minute)
	require.NoError(t, err)

	j, err := q.Reserve(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestTubeListingAndStats(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "a", []byte("x"), 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Watch(ctx, "w"))

	tubes, err := q.ListTubes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "w"}, tubes)

	stats, err := q.StatsTube(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, tubequeue.TubeStats{Watching: 0, Ready: 1}, stats)

	stats, err = q.StatsTube(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Watching)

	require.NoError(t, q.Ignore(ctx, "w"))
	stats, err = q.StatsTube(ctx, "w")
	require.NoError(t, err)
	require.Zero(t, stats.Watching)
}

func TestReserveRefreshesWatch(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Reserve(ctx, "jobs")
	require.NoError(t, err)

	stats, err := q.StatsTube(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Watching)
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.Put(ctx, "jobs", []byte("x"), -time.Second, time.Minute)
	require.Error(t, err)

	_, err = q.Put(ctx, "jobs", []byte("x"), 0, 0)
	require.Error(t, err)
}

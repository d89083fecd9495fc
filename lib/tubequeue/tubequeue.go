// Copyright (c) https://github.com/maragudk/goqite
// https://github.com/maragudk/goqite/blob/6d1bf3c0bcab5a683e0bc7a82a4c76ceac1bbe3f/LICENSE
//
// This source code is licensed under the MIT license found in the LICENSE file
// in the root directory of this source tree, or at:
// https://opensource.org/licenses/MIT

// Package tubequeue is a SQL-backed lease queue with named tubes. A reserve
// grants exclusive, time-bounded possession of a message: if the holder does
// not delete, release, or touch it within its ttr, the next reserve re-leases
// it and counts a timeout. Broker-side counters (reserves, timeouts,
// releases) persist across leases so consumers can bound their retries.
package tubequeue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/motivemetrics/zerog/lib/tubequeue/dialect"
)

var log = logging.Logger("zerog/tubequeue")

//go:embed schema.sql
var SchemaSQLite string

//go:embed schema.postgres.sql
var SchemaPostgres string

// rfc3339Milli is like time.RFC3339Nano, but with millisecond precision, and
// fractional seconds do not have trailing zeros removed.
const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// watcherTTL is how long a Watch lease lasts without being refreshed by a
// reserve on the same tube. Dead consumers drop off tube stats after this.
const watcherTTL = 60 * time.Second

// States reported by job stats.
const (
	StateReady    = "ready"
	StateReserved = "reserved"
	StateBuried   = "buried"
	StateDelayed  = "delayed"
)

// Stats are the broker-side counters for one message.
type Stats struct {
	Reserves int
	Timeouts int
	Releases int
	State    string
}

// TubeStats describes one tube.
type TubeStats struct {
	Watching int
	Ready    int
}

// Job is a reserved message.
type Job struct {
	ID    uint64
	Body  []byte
	Stats Stats
}

type NewOpts struct {
	DB      *sql.DB
	Dialect dialect.Dialect
}

type Queue struct {
	db        *sql.DB
	dialect   dialect.Dialect
	watcherID string
}

func New(opts NewOpts) (*Queue, error) {
	if opts.DB == nil {
		return nil, errors.New("db is required")
	}
	return &Queue{
		db:        opts.DB,
		dialect:   opts.Dialect,
		watcherID: uuid.NewString(),
	}, nil
}

// Put enqueues body on the named tube, visible after delay, leased for ttr
// once reserved. Returns the message id.
func (q *Queue) Put(ctx context.Context, tube string, body []byte, delay, ttr time.Duration) (uint64, error) {
	if delay < 0 {
		return 0, errors.New("delay cannot be negative")
	}
	if ttr <= 0 {
		return 0, errors.New("ttr must be positive")
	}

	readyAt := time.Now().Add(delay).Format(rfc3339Milli)

	var id uint64
	query := q.dialect.Rebind(`
		INSERT INTO tubequeue (tube, body, ready_at, ttr_ms)
		VALUES (?, ?, ?, ?)
		RETURNING id`)
	if err := q.db.QueryRowContext(ctx, query, tube, body, readyAt, ttr.Milliseconds()).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Reserve leases the oldest available message on the tube, or returns nil if
// there is none. Re-leasing an expired reservation counts a timeout.
func (q *Queue) Reserve(ctx context.Context, tube string) (*Job, error) {
	if err := q.refreshWatch(ctx, tube); err != nil {
		log.Warnw("refreshing watch lease", "tube", tube, "error", err)
	}

	now := time.Now()
	nowFormatted := now.Format(rfc3339Milli)

	query := q.dialect.Rebind(`
		UPDATE tubequeue
		SET
			state = 'reserved',
			expires_at = ?,
			reserves = reserves + 1,
			timeouts = timeouts + (CASE WHEN state = 'reserved' THEN 1 ELSE 0 END)
		WHERE id = (
			SELECT id FROM tubequeue
			WHERE tube = ? AND (
				(state = 'ready' AND ready_at <= ?) OR
				(state = 'reserved' AND expires_at <= ?)
			)
			ORDER BY id
			LIMIT 1
		)
		RETURNING id, body, ttr_ms, reserves, timeouts, releases`)

	// The lease deadline depends on the row's own ttr, which is unknown until
	// the row is picked. Lease with a provisional one-minute deadline, then
	// Touch extends it by the stored ttr.
	provisional := now.Add(time.Minute).Format(rfc3339Milli)

	var j Job
	var ttrMS int64
	err := q.db.QueryRowContext(ctx, query,
		provisional, tube, nowFormatted, nowFormatted,
	).Scan(&j.ID, &j.Body, &ttrMS, &j.Stats.Reserves, &j.Stats.Timeouts, &j.Stats.Releases)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := q.Touch(ctx, j.ID); err != nil {
		return nil, fmt.Errorf("setting reservation deadline: %w", err)
	}

	j.Stats.State = StateReserved
	return &j, nil
}

// ReserveWait polls the tube until a message arrives, timeout elapses, or the
// context is cancelled. A zero timeout is a single non-blocking attempt.
func (q *Queue) ReserveWait(ctx context.Context, tube string, timeout time.Duration) (*Job, error) {
	j, err := q.Reserve(ctx, tube)
	if j != nil || err != nil || timeout <= 0 {
		return j, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			j, err := q.Reserve(ctx, tube)
			if j != nil || err != nil {
				return j, err
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
		}
	}
}

// Delete consumes a message.
func (q *Queue) Delete(ctx context.Context, id uint64) error {
	query := q.dialect.Rebind(`DELETE FROM tubequeue WHERE id = ?`)
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// Release returns a reserved message to its tube after at least delay.
func (q *Queue) Release(ctx context.Context, id uint64, delay time.Duration) error {
	if delay < 0 {
		return errors.New("delay cannot be negative")
	}
	readyAt := time.Now().Add(delay).Format(rfc3339Milli)
	query := q.dialect.Rebind(`
		UPDATE tubequeue
		SET state = 'ready', ready_at = ?, expires_at = NULL, releases = releases + 1
		WHERE id = ?`)
	_, err := q.db.ExecContext(ctx, query, readyAt, id)
	return err
}

// Bury sidelines a message so it is never reserved again until kicked by an
// operator.
func (q *Queue) Bury(ctx context.Context, id uint64) error {
	query := q.dialect.Rebind(`UPDATE tubequeue SET state = 'buried', expires_at = NULL WHERE id = ?`)
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// Touch extends the reservation deadline of a leased message by its ttr.
func (q *Queue) Touch(ctx context.Context, id uint64) error {
	query := q.dialect.Rebind(`
		UPDATE tubequeue
		SET expires_at = ?
		WHERE id = ? AND state = 'reserved'`)

	var ttrMS int64
	probe := q.dialect.Rebind(`SELECT ttr_ms FROM tubequeue WHERE id = ?`)
	if err := q.db.QueryRowContext(ctx, probe, id).Scan(&ttrMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d not found", id)
		}
		return err
	}
	expires := time.Now().Add(time.Duration(ttrMS) * time.Millisecond).Format(rfc3339Milli)
	_, err := q.db.ExecContext(ctx, query, expires, id)
	return err
}

// StatsJob reports the broker-side counters for a message.
func (q *Queue) StatsJob(ctx context.Context, id uint64) (Stats, error) {
	query := q.dialect.Rebind(`
		SELECT reserves, timeouts, releases, state, ready_at
		FROM tubequeue WHERE id = ?`)

	var s Stats
	var readyAt string
	if err := q.db.QueryRowContext(ctx, query, id).Scan(
		&s.Reserves, &s.Timeouts, &s.Releases, &s.State, &readyAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stats{}, fmt.Errorf("message %d not found", id)
		}
		return Stats{}, err
	}
	if s.State == StateReady && readyAt > time.Now().Format(rfc3339Milli) {
		s.State = StateDelayed
	}
	return s, nil
}

// ListTubes returns every tube that has messages or watchers.
func (q *Queue) ListTubes(ctx context.Context) ([]string, error) {
	query := `
		SELECT tube FROM tubequeue
		UNION
		SELECT tube FROM tubequeue_watchers
		ORDER BY tube`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tubes []string
	for rows.Next() {
		var tube string
		if err := rows.Scan(&tube); err != nil {
			return nil, err
		}
		tubes = append(tubes, tube)
	}
	return tubes, rows.Err()
}

// StatsTube reports the watcher count and ready backlog of a tube.
func (q *Queue) StatsTube(ctx context.Context, tube string) (TubeStats, error) {
	now := time.Now().Format(rfc3339Milli)

	var s TubeStats
	watchers := q.dialect.Rebind(`
		SELECT COUNT(*) FROM tubequeue_watchers WHERE tube = ? AND expires_at > ?`)
	if err := q.db.QueryRowContext(ctx, watchers, tube, now).Scan(&s.Watching); err != nil {
		return TubeStats{}, err
	}

	ready := q.dialect.Rebind(`
		SELECT COUNT(*) FROM tubequeue WHERE tube = ? AND state = 'ready' AND ready_at <= ?`)
	if err := q.db.QueryRowContext(ctx, ready, tube, now).Scan(&s.Ready); err != nil {
		return TubeStats{}, err
	}
	return s, nil
}

// Watch registers this queue handle as a consumer of the tube. The lease is
// refreshed by every Reserve on the tube and expires for dead consumers.
func (q *Queue) Watch(ctx context.Context, tube string) error {
	return q.refreshWatch(ctx, tube)
}

// Ignore drops this handle's watch on the tube.
func (q *Queue) Ignore(ctx context.Context, tube string) error {
	query := q.dialect.Rebind(`DELETE FROM tubequeue_watchers WHERE tube = ? AND watcher = ?`)
	_, err := q.db.ExecContext(ctx, query, tube, q.watcherID)
	return err
}

func (q *Queue) refreshWatch(ctx context.Context, tube string) error {
	expires := time.Now().Add(watcherTTL).Format(rfc3339Milli)
	var query string
	if q.dialect.IsPostgres() {
		query = q.dialect.Rebind(`
			INSERT INTO tubequeue_watchers (tube, watcher, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (tube, watcher) DO UPDATE SET expires_at = EXCLUDED.expires_at`)
	} else {
		query = `
			INSERT INTO tubequeue_watchers (tube, watcher, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (tube, watcher) DO UPDATE SET expires_at = excluded.expires_at`
	}
	_, err := q.db.ExecContext(ctx, query, tube, q.watcherID, expires)
	return err
}

// Setup creates the queue tables using the SQLite schema (default).
func Setup(ctx context.Context, db *sql.DB) error {
	return SetupWithDialect(ctx, db, dialect.SQLite)
}

// SetupWithDialect creates the queue tables using the specified dialect.
func SetupWithDialect(ctx context.Context, db *sql.DB, d dialect.Dialect) error {
	schema := SchemaSQLite
	if d.IsPostgres() {
		schema = SchemaPostgres
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("setup tubequeue schema (%s): %w", d, err)
	}
	return nil
}

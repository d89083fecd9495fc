// Package queue defines the tube-based work queue contract the system runs
// against. A tube is a named FIFO-ish queue; a reserve grants an exclusive,
// time-bounded lease on one message.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueDown is returned when the broker connection has failed terminally
// after bounded reconnect attempts.
var ErrQueueDown = errors.New("queue: broker connection down")

// Stats are the broker-side counters for one message. Retry accounting in
// the worker depends on these, not on in-job counters.
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

// Job is a reserved message: an opaque id, the body, and its stats.
type Job struct {
	ID    uint64
	Body  []byte
	Stats Stats
}

// Queue is a lease-based queue with named tubes.
type Queue interface {
	// Put enqueues body on tube, visible after delay, leased for ttr once
	// reserved. Returns the message id.
	Put(ctx context.Context, tube string, body []byte, delay, ttr time.Duration) (uint64, error)

	// Reserve leases one message from tube, waiting up to timeout. Returns
	// (nil, nil) if nothing became available. A zero timeout is a single
	// non-blocking attempt.
	Reserve(ctx context.Context, tube string, timeout time.Duration) (*Job, error)

	// Delete consumes a reserved message.
	Delete(ctx context.Context, id uint64) error

	// Release returns a reserved message to its tube after at least delay.
	Release(ctx context.Context, id uint64, delay time.Duration) error

	// Bury sidelines a message.
	Bury(ctx context.Context, id uint64) error

	// Touch extends the lease on a reserved message.
	Touch(ctx context.Context, id uint64) error

	// StatsJob reports a message's broker-side counters.
	StatsJob(ctx context.Context, id uint64) (Stats, error)

	// ListTubes returns every known tube.
	ListTubes(ctx context.Context) ([]string, error)

	// StatsTube reports a tube's watcher count and ready backlog.
	StatsTube(ctx context.Context, tube string) (TubeStats, error)

	// Watch attaches this handle as a consumer of tube; Ignore detaches it,
	// freeing the broker to garbage-collect the tube.
	Watch(ctx context.Context, tube string) error
	Ignore(ctx context.Context, tube string) error

	Close() error
}

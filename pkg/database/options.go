// Package database holds connection options shared by the SQL backends.
package database

import "time"

// JournalMode is a SQLite journal_mode pragma value.
type JournalMode string

const (
	JournalModeWAL    JournalMode = "WAL"
	JournalModeDELETE JournalMode = "DELETE"
	JournalModeMEMORY JournalMode = "MEMORY"
)

// SyncMode is a SQLite synchronous pragma value.
type SyncMode string

const (
	SyncModeOFF    SyncMode = "OFF"
	SyncModeNORMAL SyncMode = "NORMAL"
	SyncModeFULL   SyncMode = "FULL"
)

// Options configures a SQLite connection.
type Options struct {
	JournalMode JournalMode
	SyncMode    SyncMode
	Timeout     time.Duration
	ForeignKeys bool
}

// Option is a functional option for configuring SQLite connections.
type Option func(*Options)

// WithJournalMode sets the journal_mode pragma.
func WithJournalMode(m JournalMode) Option {
	return func(o *Options) {
		o.JournalMode = m
	}
}

// WithSyncMode sets the synchronous pragma.
func WithSyncMode(m SyncMode) Option {
	return func(o *Options) {
		o.SyncMode = m
	}
}

// WithTimeout sets the busy_timeout pragma.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithForeignKeys enables the foreign_keys pragma.
func WithForeignKeys(on bool) Option {
	return func(o *Options) {
		o.ForeignKeys = on
	}
}

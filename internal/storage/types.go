package storage

import (
	"context"
	"time"

	"storebot/internal/services/broadcast"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": database file at Path
//   - "postgres": server at DSN
type Config struct {
	Driver string
	Path   string // sqlite only
	DSN    string // postgres only

	BusyTimeout time.Duration // sqlite only; 0 means default

	// ErrorLogMax bounds the per-broadcast error log; older entries are
	// evicted and counted in error_overflow. 0 means the default (100).
	ErrorLogMax int
}

const defaultErrorLogMax = 100

// Store is the full persistence surface: the engine's progress store and
// audience source, plus retention hooks.
type Store interface {
	broadcast.Store
	broadcast.Audience

	// PruneErrors deletes error-log rows of terminal broadcasts that
	// completed before the given time. Returns the number of rows removed.
	PruneErrors(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

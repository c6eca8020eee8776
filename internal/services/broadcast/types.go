package broadcast

import (
	"context"
	"time"

	"storebot/internal/transport"
)

// Status is the closed set of broadcast states. Transitions are governed
// by CanTransition; storage layers persist the string value as-is.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Filters is the raw audience specification as supplied by the caller.
// It is stored verbatim for audit and parsed by ParseFilters at dispatch
// time; unknown keys or malformed values abort the broadcast.
type Filters map[string]any

// ErrorEntry is one failed (or skipped) recipient in a broadcast's error
// log. The log is bounded; see Store.AppendError.
type ErrorEntry struct {
	UserID int64     `json:"user_id"`
	Class  string    `json:"class"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Broadcast is one mass-send campaign. The record is the single source
// of truth for progress; only the dispatcher mutates it while running.
type Broadcast struct {
	ID          int64                 `json:"id"`
	Text        string                `json:"text"`
	MediaType   string                `json:"media_type,omitempty"`
	MediaFileID string                `json:"media_file_id,omitempty"`
	Buttons     *transport.ButtonRows `json:"buttons,omitempty"`
	Filters     Filters               `json:"filters,omitempty"`

	Status       Status `json:"status"`
	TotalTarget  int    `json:"total_target"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`

	// Errors holds the most recent error-log entries; ErrorOverflow counts
	// entries dropped once the bound was hit.
	Errors        []ErrorEntry `json:"errors,omitempty"`
	ErrorOverflow int          `json:"error_overflow,omitempty"`

	CreatedBy   int64      `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusInProgress:
		return false
	default:
		return false
	}
}

// Recipient is one resolved audience member: the internal user id (for
// error logging and ban rechecks) plus the platform chat to deliver to.
type Recipient struct {
	UserID int64
	Chat   transport.Recipient
}

// AudienceQuery is the validated, typed form of Filters consumed by
// audience stores.
type AudienceQuery struct {
	ActiveSince     *time.Time
	RegisteredAfter *time.Time
	HasOrders       bool
	NoOrders        bool
	MinOrders       int
}

// Store persists broadcast records. Implementations live in
// internal/storage; tests use an in-memory fake.
type Store interface {
	// Create assigns b.ID and persists the record.
	Create(ctx context.Context, b *Broadcast) error
	Get(ctx context.Context, id int64) (*Broadcast, error)
	List(ctx context.Context, limit, offset int) ([]*Broadcast, error)
	ListByStatus(ctx context.Context, st Status, limit int) ([]*Broadcast, error)

	// SetStatus persists a status change. completedAt is non-nil exactly
	// when st is terminal. Implementations guard the update with
	// TransitionSources and return *ErrIllegalTransition (wrapped) when the
	// stored status does not permit entering st.
	SetStatus(ctx context.Context, id int64, st Status, completedAt *time.Time) error
	SetTotalTarget(ctx context.Context, id int64, n int) error
	// AddProgress increments the success/failed counters.
	AddProgress(ctx context.Context, id int64, success, failed int) error
	// AppendError appends to the bounded error log, evicting the oldest
	// entry and bumping the overflow counter once the bound is reached.
	AppendError(ctx context.Context, id int64, e ErrorEntry) error

	Stats(ctx context.Context) (Stats, error)
}

// Stats is the aggregate view across all broadcasts.
type Stats struct {
	ByStatus     map[Status]int `json:"by_status"`
	TotalSuccess int64          `json:"total_success"`
	TotalFailed  int64          `json:"total_failed"`
}

// Audience is the queryable user store the resolver runs against.
type Audience interface {
	// Resolve returns the recipient list for q in a stable order,
	// excluding banned and opted-out users unconditionally.
	Resolve(ctx context.Context, q AudienceQuery) ([]Recipient, error)
	// Excluded re-checks one user at send time (new ban / opt-out since
	// resolution).
	Excluded(ctx context.Context, userID int64) (bool, error)
}

// Progress is the compact live view mirrored into the optional cache.
type Progress struct {
	Status    Status    `json:"status"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressCache is an optional best-effort mirror of in-flight counters
// so status polls don't hit the relational store. Never authoritative.
type ProgressCache interface {
	StoreProgress(ctx context.Context, id int64, p Progress) error
	LoadProgress(ctx context.Context, id int64) (Progress, bool, error)
}

// Config controls the dispatcher pool. RatePerSec is global across all
// broadcasts; the limiter itself is built once in app wiring and shared.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// ProgressEvery is how many recipients between progress events and
	// cache refreshes. 0 means the default (25).
	ProgressEvery int

	// Storage retry policy at the persistence boundary.
	StorageRetryMax  int
	StorageRetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 25
	}
	if c.StorageRetryMax <= 0 {
		c.StorageRetryMax = 3
	}
	if c.StorageRetryBase <= 0 {
		c.StorageRetryBase = 200 * time.Millisecond
	}
	return c
}

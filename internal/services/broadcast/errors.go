package broadcast

import (
	"errors"
	"fmt"
)

// Error-log classes. These end up in persisted ErrorEntry records, so
// keep the set stable.
const (
	ClassBlocked    = "blocked"     // recipient blocked the bot / is unreachable
	ClassBadRequest = "bad_request" // payload or chat rejected by the platform
	ClassThrottled  = "throttled"   // escalated after the single post-throttle retry
	ClassSkipped    = "skipped"     // banned/opted-out at send time, recheck
	ClassResolution = "resolution"  // audience filter invalid
	ClassStorage    = "storage"     // progress persistence gave up
)

var (
	ErrNotFound  = errors.New("broadcast not found")
	ErrEmptyText = errors.New("broadcast text is empty")
)

// FilterError reports a structurally invalid audience filter. It aborts
// the broadcast before any send happens (pending -> failed).
type FilterError struct {
	Field  string
	Detail string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid audience filter %q: %s", e.Field, e.Detail)
}

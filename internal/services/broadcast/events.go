package broadcast

import (
	"storebot/internal/eventbus"
)

// Event types published on the bus. Consumed by logging/alerting and any
// live admin UI; payload is always ProgressEvent.
const (
	EventCreated   = "broadcast.created"
	EventStarted   = "broadcast.started"
	EventProgress  = "broadcast.progress"
	EventThrottled = "broadcast.throttled"
	EventSendError = "broadcast.send_error"
	EventFinished  = "broadcast.finished"
)

// ProgressEvent is the bus payload for every broadcast event.
type ProgressEvent struct {
	ID      int64  `json:"id"`
	Status  Status `json:"status"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`

	// ErrorClass is set on send_error events; RetryAfterSec on throttled.
	ErrorClass    string  `json:"error_class,omitempty"`
	RetryAfterSec float64 `json:"retry_after_sec,omitempty"`
}

func (s *Service) publish(typ string, ev ProgressEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

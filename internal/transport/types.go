// Package transport declares the platform-neutral ports the delivery
// engine speaks through. The engine never imports a concrete messaging
// client; adapters (internal/adapters/telegram) implement Sender and map
// platform errors onto Outcome.
package transport

import (
	"context"
	"time"
)

// Recipient identifies a deliverable chat on the messaging platform.
type Recipient struct {
	ChatID int64
}

// Button is one inline button. Exactly one of URL / Data should be set;
// the adapter passes both through untouched.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
	Data string `json:"callback_data,omitempty"`
}

// ButtonRows is an inline-keyboard layout, row-major.
type ButtonRows struct {
	Rows [][]Button `json:"rows"`
}

// Payload is what a broadcast delivers to one recipient. Media and
// buttons are optional; MediaFileID is a platform-side file reference,
// opaque to the engine.
type Payload struct {
	Text        string
	MediaType   string // "photo", "video", "document" or empty
	MediaFileID string
	Buttons     *ButtonRows
}

// OutcomeKind is the closed set of send results.
type OutcomeKind int

const (
	Delivered OutcomeKind = iota
	PermanentFailure
	Throttled
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent_failure"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one send attempt.
//
// Reason is set for PermanentFailure; RetryAfter is set for Throttled and
// tells the caller how long the platform wants it to back off.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	RetryAfter time.Duration
}

// Sender is the outbound send capability. Implementations must be safe
// for concurrent use; the engine throttles call frequency itself.
type Sender interface {
	Send(ctx context.Context, to Recipient, p Payload) Outcome
}

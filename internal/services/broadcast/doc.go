// Package broadcast implements the mass-message delivery engine.
//
// A broadcast is one campaign: a payload plus an audience filter. The
// record is created in "pending"; a dispatcher worker resolves the
// audience, walks the recipient list through a process-wide rate limiter,
// classifies every send outcome, and persists counters after each step so
// progress survives restarts and is queryable mid-flight.
//
// # Delivery semantics
//
// Best-effort, at-most-once per recipient per campaign. A platform
// throttle signal pauses the campaign for the requested duration and the
// recipient is retried exactly once; a second consecutive non-success is
// recorded as a permanent failure. Recipient-level failures never fail
// the broadcast; only audience-resolution errors and exhausted storage
// retries do.
//
// Cancellation is cooperative: a flag checked between sends, never
// mid-send. A cancelled broadcast still finalizes counters and its
// completion timestamp; partial completion is a valid terminal outcome.
package broadcast

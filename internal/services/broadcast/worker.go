package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storebot/internal/transport"
	"storebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan int64) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.dispatch(ctx, id)
		}
	}
}

// dispatch runs one broadcast end to end: resolve the audience, stream
// sends through the shared limiter, classify outcomes, persist progress
// after every recipient, finalize.
func (s *Service) dispatch(ctx context.Context, id int64) {
	log := s.log.With(logx.Int64("broadcast", id))
	start := time.Now()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		log.Error("load broadcast", logx.Err(err))
		return
	}
	if b.Status != StatusPending {
		// Cancelled before we got to it, or a duplicate enqueue.
		log.Warn("broadcast not pending; skipping dispatch", logx.String("status", string(b.Status)))
		return
	}

	// Track the run before any slow work so Cancel() takes the flag path
	// from here on instead of finalizing the record underneath us.
	r := s.trackRun(id)
	defer s.untrackRun(id)

	recipients, err := s.resolveAudience(ctx, b)
	if err != nil {
		s.failResolution(ctx, b, err)
		return
	}
	total := len(recipients)

	if err := s.persist(ctx, "set total_target", func() error {
		return s.store.SetTotalTarget(ctx, id, total)
	}); err != nil {
		s.failStorage(ctx, b, 0, 0, total, err)
		return
	}
	if err := s.persist(ctx, "start broadcast", func() error {
		return s.store.SetStatus(ctx, id, StatusInProgress, nil)
	}); err != nil {
		var illegal *ErrIllegalTransition
		if errors.As(err, &illegal) {
			// Lost the race against a direct cancellation.
			log.Info("broadcast finalized before dispatch could start")
			return
		}
		s.failStorage(ctx, b, 0, 0, total, err)
		return
	}

	s.publish(EventStarted, ProgressEvent{ID: id, Status: StatusInProgress, Total: total})
	log.Info("broadcast started", logx.Int("total_target", total))

	payload := payloadFor(b)
	var success, failed int
	cancelled := false

	for _, rcpt := range recipients {
		if r.cancelled.Load() {
			cancelled = true
			break
		}
		if ctx.Err() != nil {
			// Process shutdown: leave the record in_progress; counters are
			// already durable up to the last completed recipient.
			log.Warn("dispatch interrupted by shutdown",
				logx.Int("success", success), logx.Int("failed", failed), logx.Int("total", total))
			return
		}

		// Live recheck: users banned or opted out after resolution are
		// skipped, logged, and folded into failed_count so the campaign
		// still closes against the original total_target.
		if excluded, err := s.audience.Excluded(ctx, rcpt.UserID); err != nil {
			log.Warn("ban recheck failed; sending anyway", logx.Int64("user", rcpt.UserID), logx.Err(err))
		} else if excluded {
			failed++
			if err := s.recordFailure(ctx, b, rcpt.UserID, ClassSkipped, "banned or opted out after resolution"); err != nil {
				s.failStorage(ctx, b, success, failed, total, err)
				return
			}
			s.publish(EventSendError, ProgressEvent{
				ID: id, Status: StatusInProgress, Success: success, Failed: failed, Total: total,
				ErrorClass: ClassSkipped,
			})
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			log.Warn("dispatch interrupted waiting for send slot",
				logx.Int("success", success), logx.Int("failed", failed), logx.Int("total", total))
			return
		}

		out := s.sender.Send(ctx, rcpt.Chat, payload)
		if out.Kind == transport.Throttled {
			// Platform-level throttle on top of our local bucket: pause this
			// whole campaign for the requested window, then retry the same
			// recipient exactly once.
			s.publish(EventThrottled, ProgressEvent{
				ID: id, Status: StatusInProgress, Success: success, Failed: failed, Total: total,
				RetryAfterSec: out.RetryAfter.Seconds(),
			})
			log.Warn("platform throttle; pausing campaign",
				logx.Duration("retry_after", out.RetryAfter), logx.Int64("user", rcpt.UserID))
			if !sleepFor(ctx, out.RetryAfter) {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			out = s.sender.Send(ctx, rcpt.Chat, payload)
			if out.Kind == transport.Throttled {
				// No unbounded retry: a second consecutive throttle counts as
				// a permanent failure for this campaign.
				out = transport.Outcome{
					Kind:   transport.PermanentFailure,
					Reason: fmt.Sprintf("%s: throttled again after %s backoff", ClassThrottled, out.RetryAfter),
				}
			}
		}

		switch out.Kind {
		case transport.Delivered:
			success++
			if err := s.persist(ctx, "increment success", func() error {
				return s.store.AddProgress(ctx, id, 1, 0)
			}); err != nil {
				s.failStorage(ctx, b, success, failed, total, err)
				return
			}
		case transport.PermanentFailure:
			failed++
			class := classifyReason(out.Reason)
			if err := s.recordFailure(ctx, b, rcpt.UserID, class, out.Reason); err != nil {
				s.failStorage(ctx, b, success, failed, total, err)
				return
			}
			s.publish(EventSendError, ProgressEvent{
				ID: id, Status: StatusInProgress, Success: success, Failed: failed, Total: total,
				ErrorClass: class,
			})
		}

		if done := success + failed; done%s.cfg.ProgressEvery == 0 && done < total {
			s.publish(EventProgress, ProgressEvent{
				ID: id, Status: StatusInProgress, Success: success, Failed: failed, Total: total,
			})
			s.cacheProgress(ctx, id, Progress{
				Status: StatusInProgress, Success: success, Failed: failed, Total: total,
				UpdatedAt: time.Now().UTC(),
			})
		}
	}

	final := StatusCompleted
	if cancelled {
		final = StatusCancelled
	}
	now := time.Now().UTC()
	if err := s.persist(ctx, "finalize broadcast", func() error {
		return s.store.SetStatus(ctx, id, final, &now)
	}); err != nil {
		s.failStorage(ctx, b, success, failed, total, err)
		return
	}

	s.cacheProgress(ctx, id, Progress{
		Status: final, Success: success, Failed: failed, Total: total, UpdatedAt: now,
	})
	s.publish(EventFinished, ProgressEvent{
		ID: id, Status: final, Success: success, Failed: failed, Total: total,
	})

	fields := []logx.Field{
		logx.String("status", string(final)),
		logx.Int("success", success), logx.Int("failed", failed), logx.Int("total", total),
		logx.Duration("took", time.Since(start)),
	}
	if failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
}

// resolveAudience parses the stored filter and captures the recipient set
// once. Later audience changes do not shrink the in-flight set; the send
// loop rechecks ban state per recipient instead.
func (s *Service) resolveAudience(ctx context.Context, b *Broadcast) ([]Recipient, error) {
	q, err := ParseFilters(b.Filters)
	if err != nil {
		return nil, err
	}
	recipients, err := s.audience.Resolve(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	return recipients, nil
}

// failResolution finalizes pending -> failed with a single error-log
// entry describing the malformed filter (or resolver failure).
func (s *Service) failResolution(ctx context.Context, b *Broadcast, cause error) {
	now := time.Now().UTC()
	entry := ErrorEntry{Class: ClassResolution, Detail: cause.Error(), At: now}
	if err := s.store.AppendError(ctx, b.ID, entry); err != nil {
		s.log.Error("append resolution error", logx.Int64("broadcast", b.ID), logx.Err(err))
	}
	if err := s.store.SetStatus(ctx, b.ID, StatusFailed, &now); err != nil {
		s.log.Error("mark broadcast failed", logx.Int64("broadcast", b.ID), logx.Err(err))
		return
	}
	s.publish(EventFinished, ProgressEvent{ID: b.ID, Status: StatusFailed})
	s.log.Warn("broadcast failed at resolution", logx.Int64("broadcast", b.ID), logx.Err(cause))
}

// failStorage gives up on a broadcast whose progress can no longer be
// persisted. Silently losing counts would be worse than failing loudly.
func (s *Service) failStorage(ctx context.Context, b *Broadcast, success, failed, total int, cause error) {
	now := time.Now().UTC()
	_ = s.store.AppendError(ctx, b.ID, ErrorEntry{Class: ClassStorage, Detail: cause.Error(), At: now})
	if err := s.store.SetStatus(ctx, b.ID, StatusFailed, &now); err != nil {
		s.log.Error("mark broadcast failed after storage error", logx.Int64("broadcast", b.ID), logx.Err(err))
	}
	s.publish(EventFinished, ProgressEvent{
		ID: b.ID, Status: StatusFailed, Success: success, Failed: failed, Total: total,
		ErrorClass: ClassStorage,
	})
	s.log.Error("broadcast failed: storage retries exhausted", logx.Int64("broadcast", b.ID), logx.Err(cause))
}

func (s *Service) recordFailure(ctx context.Context, b *Broadcast, userID int64, class, detail string) error {
	if err := s.persist(ctx, "increment failed", func() error {
		return s.store.AddProgress(ctx, b.ID, 0, 1)
	}); err != nil {
		return err
	}
	return s.persist(ctx, "append error", func() error {
		return s.store.AppendError(ctx, b.ID, ErrorEntry{
			UserID: userID, Class: class, Detail: detail, At: time.Now().UTC(),
		})
	})
}

// persist retries a storage write with exponential backoff. Progress must
// be durable before the loop advances, so exhaustion is fatal to the
// broadcast (handled by the caller), not silently ignored.
func (s *Service) persist(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := s.cfg.StorageRetryBase
	for attempt := 0; attempt <= s.cfg.StorageRetryMax; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var illegal *ErrIllegalTransition
		if errors.As(err, &illegal) {
			// State-machine refusal, not a storage fault; retrying can't help.
			return err
		}
		if attempt == s.cfg.StorageRetryMax {
			break
		}
		s.log.Warn("storage write failed; retrying",
			logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !sleepFor(ctx, delay) {
			break
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) cacheProgress(ctx context.Context, id int64, p Progress) {
	if s.cache == nil {
		return
	}
	if err := s.cache.StoreProgress(ctx, id, p); err != nil {
		s.log.Debug("progress cache write failed", logx.Int64("broadcast", id), logx.Err(err))
	}
}

func payloadFor(b *Broadcast) transport.Payload {
	return transport.Payload{
		Text:        b.Text,
		MediaType:   b.MediaType,
		MediaFileID: b.MediaFileID,
		Buttons:     b.Buttons,
	}
}

// classifyReason maps an adapter-supplied failure reason onto an
// error-log class. Adapters prefix reasons with a known class where they
// can; anything else lands in bad_request.
func classifyReason(reason string) string {
	switch {
	case hasClassPrefix(reason, ClassBlocked):
		return ClassBlocked
	case hasClassPrefix(reason, ClassThrottled):
		return ClassThrottled
	default:
		return ClassBadRequest
	}
}

func hasClassPrefix(reason, class string) bool {
	return len(reason) >= len(class) && reason[:len(class)] == class
}

// sleepFor blocks for d or until ctx is done; reports whether the full
// duration elapsed.
func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

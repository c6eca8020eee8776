package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"storebot/internal/eventbus"
	"storebot/internal/transport"
	"storebot/pkg/logx"
)

func testRecipients(n int) []Recipient {
	out := make([]Recipient, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Recipient{
			UserID: int64(i),
			Chat:   transport.Recipient{ChatID: int64(1000 + i)},
		})
	}
	return out
}

func newTestService(store Store, aud Audience, sender transport.Sender, cache ProgressCache) *Service {
	return New(Config{
		Enabled:          true,
		Workers:          1,
		ProgressEvery:    2,
		StorageRetryMax:  2,
		StorageRetryBase: time.Millisecond,
	}, Deps{
		Store:    store,
		Audience: aud,
		Sender:   sender,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		Cache:    cache,
		Log:      logx.Nop(),
	})
}

func seedPending(t *testing.T, store *memStore, filters Filters) int64 {
	t.Helper()
	b := &Broadcast{
		Text:      "hello",
		Filters:   filters,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Create(context.Background(), b); err != nil {
		t.Fatalf("seed broadcast: %v", err)
	}
	return b.ID
}

func TestDispatchDeliversToWholeAudience(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(5)}
	sender := &scriptSender{}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, Filters{"all": true})
	svc.dispatch(context.Background(), id)

	b, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", b.Status, StatusCompleted)
	}
	if b.TotalTarget != 5 || b.SuccessCount != 5 || b.FailedCount != 0 {
		t.Fatalf("counters = %d/%d of %d, want 5/0 of 5", b.SuccessCount, b.FailedCount, b.TotalTarget)
	}
	if b.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if got := len(sender.sentTo()); got != 5 {
		t.Fatalf("sends = %d, want 5", got)
	}
}

func TestDispatchClassifiesPermanentFailures(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(4)}
	sender := &scriptSender{outcomes: map[int64][]transport.Outcome{
		1002: {{Kind: transport.PermanentFailure, Reason: "blocked: bot was blocked by the user"}},
		1004: {{Kind: transport.PermanentFailure, Reason: "chat not found"}},
	}}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", b.Status, StatusCompleted)
	}
	if b.SuccessCount != 2 || b.FailedCount != 2 {
		t.Fatalf("counters = %d/%d, want 2/2", b.SuccessCount, b.FailedCount)
	}
	if b.SuccessCount+b.FailedCount != b.TotalTarget {
		t.Fatalf("success+failed = %d, want total_target %d", b.SuccessCount+b.FailedCount, b.TotalTarget)
	}
	if len(b.Errors) != 2 {
		t.Fatalf("error log entries = %d, want 2", len(b.Errors))
	}
	classes := map[int64]string{}
	for _, e := range b.Errors {
		classes[e.UserID] = e.Class
	}
	if classes[2] != ClassBlocked {
		t.Fatalf("user 2 class = %s, want %s", classes[2], ClassBlocked)
	}
	if classes[4] != ClassBadRequest {
		t.Fatalf("user 4 class = %s, want %s", classes[4], ClassBadRequest)
	}
}

func TestDispatchRetriesThrottledRecipientOnce(t *testing.T) {
	t.Parallel()
	const retryAfter = 60 * time.Millisecond
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(3)}
	sender := &scriptSender{outcomes: map[int64][]transport.Outcome{
		1002: {
			{Kind: transport.Throttled, RetryAfter: retryAfter},
			{Kind: transport.Delivered},
		},
	}}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)
	start := time.Now()
	svc.dispatch(context.Background(), id)
	elapsed := time.Since(start)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted || b.SuccessCount != 3 || b.FailedCount != 0 {
		t.Fatalf("got %s %d/%d, want completed 3/0", b.Status, b.SuccessCount, b.FailedCount)
	}
	// chat 1002 must have been attempted exactly twice
	attempts := 0
	for _, c := range sender.sentTo() {
		if c == 1002 {
			attempts++
		}
	}
	if attempts != 2 {
		t.Fatalf("throttled recipient attempts = %d, want 2", attempts)
	}
	// the campaign must actually pause for the requested window before
	// the retry
	if elapsed < retryAfter {
		t.Fatalf("dispatch took %v, want at least the %v throttle pause", elapsed, retryAfter)
	}
}

func TestDispatchSecondThrottleBecomesFailure(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(2)}
	sender := &scriptSender{outcomes: map[int64][]transport.Outcome{
		1001: {
			{Kind: transport.Throttled, RetryAfter: time.Millisecond},
			{Kind: transport.Throttled, RetryAfter: time.Millisecond},
		},
	}}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted || b.SuccessCount != 1 || b.FailedCount != 1 {
		t.Fatalf("got %s %d/%d, want completed 1/1", b.Status, b.SuccessCount, b.FailedCount)
	}
	if len(b.Errors) != 1 || b.Errors[0].Class != ClassThrottled {
		t.Fatalf("error log = %+v, want one %s entry", b.Errors, ClassThrottled)
	}
}

func TestDispatchSkipsNewlyExcludedUsers(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{
		recipients: testRecipients(3),
		excluded:   map[int64]bool{2: true},
	}
	sender := &scriptSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	svc := New(Config{
		Enabled:          true,
		Workers:          1,
		ProgressEvery:    2,
		StorageRetryMax:  2,
		StorageRetryBase: time.Millisecond,
	}, Deps{
		Store:    store,
		Audience: aud,
		Sender:   sender,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		Bus:      bus,
		Log:      logx.Nop(),
	})

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted || b.SuccessCount != 2 || b.FailedCount != 1 {
		t.Fatalf("got %s %d/%d, want completed 2/1", b.Status, b.SuccessCount, b.FailedCount)
	}
	if len(b.Errors) != 1 || b.Errors[0].Class != ClassSkipped {
		t.Fatalf("error log = %+v, want one %s entry", b.Errors, ClassSkipped)
	}
	for _, c := range sender.sentTo() {
		if c == 1002 {
			t.Fatal("excluded user still received a send")
		}
	}
	// the skip must be visible on the bus like any other recipient error
	skipSeen := false
	for drained := false; !drained; {
		select {
		case ev := <-events:
			pe, ok := ev.Data.(ProgressEvent)
			if ok && ev.Type == EventSendError && pe.ID == id && pe.ErrorClass == ClassSkipped {
				skipSeen = true
			}
		default:
			drained = true
		}
	}
	if !skipSeen {
		t.Fatal("no send_error event published for the skipped recipient")
	}
}

func TestDispatchRecheckErrorSendsAnyway(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{
		recipients:  testRecipients(2),
		excludedErr: errors.New("users table busy"),
	}
	sender := &scriptSender{}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted || b.SuccessCount != 2 {
		t.Fatalf("got %s %d success, want completed 2", b.Status, b.SuccessCount)
	}
}

func TestDispatchFailsOnMalformedFilter(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(2)}
	sender := &scriptSender{}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, Filters{"active_days": "not-a-number"})
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", b.Status, StatusFailed)
	}
	if len(b.Errors) != 1 || b.Errors[0].Class != ClassResolution {
		t.Fatalf("error log = %+v, want one %s entry", b.Errors, ClassResolution)
	}
	if len(sender.sentTo()) != 0 {
		t.Fatal("no sends expected for a failed resolution")
	}
}

func TestDispatchCancelledMidFlight(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(50)}
	sender := &scriptSender{block: make(chan struct{})}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.dispatch(context.Background(), id)
	}()

	// Wait until the run is tracked, then flag cancellation and release
	// the sender.
	deadline := time.Now().Add(2 * time.Second)
	for {
		svc.runsMu.Lock()
		r := svc.runs[id]
		svc.runsMu.Unlock()
		if r != nil {
			if err := svc.Cancel(context.Background(), id); err != nil {
				t.Errorf("cancel: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never tracked")
		}
		time.Sleep(time.Millisecond)
	}
	close(sender.block)
	<-done

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", b.Status, StatusCancelled)
	}
	if b.SuccessCount+b.FailedCount >= b.TotalTarget {
		t.Fatalf("cancelled run delivered the full audience (%d/%d)",
			b.SuccessCount+b.FailedCount, b.TotalTarget)
	}
	if b.CompletedAt == nil {
		t.Fatal("completed_at not set on cancellation")
	}
}

func TestDispatchStorageExhaustionFailsBroadcast(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.failures["add_progress"] = 10 // beyond StorageRetryMax
	aud := &memAudience{recipients: testRecipients(2)}
	svc := newTestService(store, aud, &scriptSender{}, nil)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", b.Status, StatusFailed)
	}
	found := false
	for _, e := range b.Errors {
		if e.Class == ClassStorage {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log = %+v, want a %s entry", b.Errors, ClassStorage)
	}
}

func TestDispatchStorageRetryRecovers(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.failures["add_progress"] = 1 // first write fails, retry succeeds
	aud := &memAudience{recipients: testRecipients(1)}
	svc := newTestService(store, aud, &scriptSender{}, nil)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	b, _ := store.Get(context.Background(), id)
	if b.Status != StatusCompleted || b.SuccessCount != 1 {
		t.Fatalf("got %s %d success, want completed 1", b.Status, b.SuccessCount)
	}
}

func TestDispatchSkipsNonPendingBroadcast(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	aud := &memAudience{recipients: testRecipients(3)}
	sender := &scriptSender{}
	svc := newTestService(store, aud, sender, nil)

	id := seedPending(t, store, nil)
	now := time.Now().UTC()
	if err := store.SetStatus(context.Background(), id, StatusCancelled, &now); err != nil {
		t.Fatalf("pre-cancel: %v", err)
	}

	svc.dispatch(context.Background(), id)
	if len(sender.sentTo()) != 0 {
		t.Fatal("cancelled broadcast must not send")
	}
}

func TestDispatchWritesProgressCache(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	cache := &memCache{}
	aud := &memAudience{recipients: testRecipients(6)}
	svc := newTestService(store, aud, &scriptSender{}, cache)

	id := seedPending(t, store, nil)
	svc.dispatch(context.Background(), id)

	p, ok, err := cache.LoadProgress(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("cache entry missing (ok=%v err=%v)", ok, err)
	}
	if p.Status != StatusCompleted || p.Success != 6 || p.Total != 6 {
		t.Fatalf("cached progress = %+v, want completed 6/6", p)
	}
}

func TestClassifyReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reason string
		want   string
	}{
		{"blocked: user deactivated", ClassBlocked},
		{"throttled: retry later", ClassThrottled},
		{"chat not found", ClassBadRequest},
		{"", ClassBadRequest},
	}
	for _, tt := range tests {
		if got := classifyReason(tt.reason); got != tt.want {
			t.Fatalf("classifyReason(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

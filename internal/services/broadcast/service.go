package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"storebot/internal/eventbus"
	"storebot/internal/transport"
	"storebot/pkg/logx"
)

// Deps carries the engine's collaborators. Limiter is the process-wide
// token bucket shared by every dispatcher; it must be constructed once at
// startup, never per broadcast. Cache may be nil.
type Deps struct {
	Store    Store
	Audience Audience
	Sender   transport.Sender
	Limiter  *rate.Limiter
	Bus      eventbus.Bus
	Cache    ProgressCache
	Log      logx.Logger
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	audience Audience
	sender   transport.Sender
	limiter  *rate.Limiter
	bus      eventbus.Bus
	cache    ProgressCache
	log      logx.Logger

	queue  chan int64
	stopCh chan struct{}
	wg     sync.WaitGroup

	runsMu sync.Mutex
	runs   map[int64]*run
}

// run is the in-memory handle for one in-flight dispatch. Only the
// cancellation flag lives here; everything else is in the store.
type run struct {
	cancelled atomic.Bool
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		audience: deps.Audience,
		sender:   deps.Sender,
		limiter:  deps.Limiter,
		bus:      deps.Bus,
		cache:    deps.Cache,
		log:      deps.Log,
		queue:    make(chan int64, cfg.QueueSize),
		runs:     map[int64]*run{},
	}
}

// Start launches the dispatcher pool, then re-queues broadcasts left
// pending by a previous run so a restart never strands them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("broadcast dispatcher disabled; broadcasts stay pending")
		return
	}
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	queue := s.queue
	stopCh := s.stopCh

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatcher worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info("broadcast dispatcher started",
		logx.Int("workers", s.cfg.Workers), logx.Int("queue_cap", cap(queue)))

	s.requeuePending(ctx)
}

// requeuePending pushes durable pending rows back onto the dispatch
// queue so broadcasts survive a restart. Oldest first; anything beyond
// the queue capacity stays pending and can be re-enqueued later.
func (s *Service) requeuePending(ctx context.Context) {
	pending, err := s.store.ListByStatus(ctx, StatusPending, cap(s.queue))
	if err != nil {
		s.log.Error("list pending broadcasts for requeue", logx.Err(err))
		return
	}
	n := 0
	// ListByStatus returns newest first; dispatch in creation order.
	for i := len(pending) - 1; i >= 0; i-- {
		select {
		case s.queue <- pending[i].ID:
			n++
		default:
			s.log.Warn("dispatch queue full during requeue; remaining broadcasts stay pending",
				logx.Int64("broadcast", pending[i].ID))
			return
		}
	}
	if n > 0 {
		s.log.Info("re-queued pending broadcasts", logx.Int("count", n))
	}
}

// Stop signals workers and waits for in-flight dispatches to notice, up
// to ctx. Broadcasts interrupted mid-flight stay in_progress in the
// store; their record remains accurate for reporting.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("broadcast dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("broadcast dispatcher stop timed out; workers finish in background")
	}
}

// CreateRequest is the inbound create-broadcast payload.
type CreateRequest struct {
	Text        string                `json:"text"`
	MediaType   string                `json:"media_type,omitempty"`
	MediaFileID string                `json:"media_file_id,omitempty"`
	Buttons     *transport.ButtonRows `json:"buttons,omitempty"`
	Filters     Filters               `json:"filters,omitempty"`
	CreatedBy   int64                 `json:"created_by"`
}

// Create persists a new pending broadcast and hands it to the dispatcher
// queue. Filter content is validated at dispatch time (a malformed filter
// fails the broadcast, not the create call); only payload shape is
// checked here.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Broadcast, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	switch req.MediaType {
	case "", "photo", "video", "document":
	default:
		return nil, fmt.Errorf("unsupported media type %q", req.MediaType)
	}
	if req.MediaType != "" && req.MediaFileID == "" {
		return nil, fmt.Errorf("media type %q requires a media file id", req.MediaType)
	}

	b := &Broadcast{
		Text:        req.Text,
		MediaType:   req.MediaType,
		MediaFileID: req.MediaFileID,
		Buttons:     req.Buttons,
		Filters:     req.Filters,
		Status:      StatusPending,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	s.publish(EventCreated, ProgressEvent{ID: b.ID, Status: b.Status})
	s.log.Info("broadcast created",
		logx.Int64("broadcast", b.ID), logx.Int64("created_by", b.CreatedBy),
		logx.Bool("has_media", b.MediaType != ""))

	select {
	case s.queue <- b.ID:
	default:
		// Queue full: the record stays pending and durable; an operator can
		// re-enqueue once the backlog drains.
		s.log.Warn("dispatch queue full; broadcast stays pending",
			logx.Int64("broadcast", b.ID), logx.Int("queue_cap", cap(s.queue)))
	}
	return b, nil
}

// Enqueue re-submits a pending broadcast to the dispatcher queue.
func (s *Service) Enqueue(ctx context.Context, id int64) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != StatusPending {
		return &ErrIllegalTransition{From: b.Status, To: StatusInProgress}
	}
	select {
	case s.queue <- id:
		return nil
	default:
		return fmt.Errorf("dispatch queue full")
	}
}

// Cancel requests cooperative cancellation. In-flight broadcasts stop at
// the next iteration boundary; a pending broadcast is finalized directly.
// Cancelling a terminal broadcast is a no-op.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	s.runsMu.Lock()
	r := s.runs[id]
	s.runsMu.Unlock()
	if r != nil {
		r.cancelled.Store(true)
		s.log.Info("broadcast cancellation requested", logx.Int64("broadcast", id))
		return nil
	}

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}
	// Not running here: either never started, or orphaned by a crash.
	// Finalize directly with whatever was recorded.
	now := time.Now().UTC()
	if err := s.store.SetStatus(ctx, id, StatusCancelled, &now); err != nil {
		var illegal *ErrIllegalTransition
		if errors.As(err, &illegal) {
			// Already finalized between the Get above and here; cancelling a
			// terminal broadcast stays a no-op.
			return nil
		}
		return fmt.Errorf("cancel broadcast %d: %w", id, err)
	}
	s.publish(EventFinished, ProgressEvent{
		ID: id, Status: StatusCancelled,
		Success: b.SuccessCount, Failed: b.FailedCount, Total: b.TotalTarget,
	})
	s.log.Info("broadcast cancelled before dispatch", logx.Int64("broadcast", id))
	return nil
}

// Get returns the full broadcast record.
func (s *Service) Get(ctx context.Context, id int64) (*Broadcast, error) {
	return s.store.Get(ctx, id)
}

// LiveProgress returns the cached in-flight counters when available,
// falling back to the durable record.
func (s *Service) LiveProgress(ctx context.Context, id int64) (Progress, error) {
	if s.cache != nil {
		if p, ok, err := s.cache.LoadProgress(ctx, id); err == nil && ok {
			return p, nil
		}
	}
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		Status: b.Status, Success: b.SuccessCount, Failed: b.FailedCount,
		Total: b.TotalTarget, UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Broadcast, error) {
	return s.store.List(ctx, limit, offset)
}

func (s *Service) ListByStatus(ctx context.Context, st Status, limit int) ([]*Broadcast, error) {
	return s.store.ListByStatus(ctx, st, limit)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) trackRun(id int64) *run {
	r := &run{}
	s.runsMu.Lock()
	s.runs[id] = r
	s.runsMu.Unlock()
	return r
}

func (s *Service) untrackRun(id int64) {
	s.runsMu.Lock()
	delete(s.runs, id)
	s.runsMu.Unlock()
}

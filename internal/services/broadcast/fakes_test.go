package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storebot/internal/transport"
)

// memStore is an in-memory Store with the same transition guarantees as
// the SQL implementations.
type memStore struct {
	mu    sync.Mutex
	seq   int64
	items map[int64]*Broadcast

	// failures[op] makes the next N calls of that op return an error.
	failures map[string]int
}

func newMemStore() *memStore {
	return &memStore{items: map[int64]*Broadcast{}, failures: map[string]int{}}
}

func (m *memStore) fail(op string) error {
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (m *memStore) Create(ctx context.Context, b *Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create"); err != nil {
		return err
	}
	m.seq++
	b.ID = m.seq
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, id int64) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Errors = append([]ErrorEntry(nil), b.Errors...)
	return &cp, nil
}

func (m *memStore) List(ctx context.Context, limit, offset int) ([]*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Broadcast, 0, len(m.items))
	for id := m.seq; id >= 1 && len(out) < limit+offset; id-- {
		if b, ok := m.items[id]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:], nil
}

func (m *memStore) ListByStatus(ctx context.Context, st Status, limit int) ([]*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Broadcast
	// newest first, like the SQL stores
	for id := m.seq; id >= 1 && len(out) < limit; id-- {
		if b, ok := m.items[id]; ok && b.Status == st {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) SetStatus(ctx context.Context, id int64, st Status, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set_status"); err != nil {
		return err
	}
	b, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	legal := false
	for _, from := range TransitionSources(st) {
		if b.Status == from {
			legal = true
			break
		}
	}
	if !legal {
		return &ErrIllegalTransition{From: b.Status, To: st}
	}
	b.Status = st
	if completedAt != nil && b.CompletedAt == nil {
		t := *completedAt
		b.CompletedAt = &t
	}
	return nil
}

func (m *memStore) SetTotalTarget(ctx context.Context, id int64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set_total"); err != nil {
		return err
	}
	b, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusPending {
		// lost race against a direct finalization; not an error
		return nil
	}
	b.TotalTarget = n
	return nil
}

func (m *memStore) AddProgress(ctx context.Context, id int64, success, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("add_progress"); err != nil {
		return err
	}
	b, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	b.SuccessCount += success
	b.FailedCount += failed
	return nil
}

func (m *memStore) AppendError(ctx context.Context, id int64, e ErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("append_error"); err != nil {
		return err
	}
	b, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	b.Errors = append(b.Errors, e)
	return nil
}

func (m *memStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{ByStatus: map[Status]int{}}
	for _, b := range m.items {
		st.ByStatus[b.Status]++
		st.TotalSuccess += int64(b.SuccessCount)
		st.TotalFailed += int64(b.FailedCount)
	}
	return st, nil
}

// memAudience resolves a fixed recipient list.
type memAudience struct {
	mu          sync.Mutex
	recipients  []Recipient
	excluded    map[int64]bool
	excludedErr error
	resolveErr  error
	lastQuery   AudienceQuery
}

func (a *memAudience) Resolve(ctx context.Context, q AudienceQuery) ([]Recipient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastQuery = q
	if a.resolveErr != nil {
		return nil, a.resolveErr
	}
	return append([]Recipient(nil), a.recipients...), nil
}

func (a *memAudience) Excluded(ctx context.Context, userID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.excludedErr != nil {
		return false, a.excludedErr
	}
	return a.excluded[userID], nil
}

// scriptSender pops per-chat scripted outcomes; the default is Delivered.
type scriptSender struct {
	mu       sync.Mutex
	outcomes map[int64][]transport.Outcome
	sent     []int64

	// block, when non-nil, is closed by the test to release sends.
	block chan struct{}
}

func (s *scriptSender) Send(ctx context.Context, to transport.Recipient, p transport.Payload) transport.Outcome {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return transport.Outcome{Kind: transport.PermanentFailure, Reason: "bad_request: context done"}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to.ChatID)
	if q := s.outcomes[to.ChatID]; len(q) > 0 {
		out := q[0]
		s.outcomes[to.ChatID] = q[1:]
		return out
	}
	return transport.Outcome{Kind: transport.Delivered}
}

func (s *scriptSender) sentTo() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

// memCache is an in-memory ProgressCache.
type memCache struct {
	mu   sync.Mutex
	data map[int64]Progress
}

func (c *memCache) StoreProgress(ctx context.Context, id int64, p Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[int64]Progress{}
	}
	c.data[id] = p
	return nil
}

func (c *memCache) LoadProgress(ctx context.Context, id int64) (Progress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.data[id]
	return p, ok, nil
}

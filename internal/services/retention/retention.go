// Package retention trims aged broadcast artifacts on a cron schedule.
// Broadcast records themselves are never deleted (they are the audit
// trail); only their error-log rows are pruned once a campaign has been
// terminal for longer than the configured age.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"storebot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string        // cron spec; default "0 4 * * *"
	MaxAge   time.Duration // default 30 days
}

// Pruner is the storage hook retention runs against.
type Pruner interface {
	PruneErrors(ctx context.Context, before time.Time) (int64, error)
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	st   Pruner
	log  logx.Logger
	cron *cron.Cron
}

func New(cfg Config, st Pruner, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 4 * * *"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return &Service{cfg: cfg, st: st, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("retention scheduled",
		logx.String("schedule", s.cfg.Schedule), logx.Duration("max_age", s.cfg.MaxAge))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

func (s *Service) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.st.PruneErrors(ctx, cutoff)
	if err != nil {
		s.log.Error("error-log prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned broadcast error logs",
			logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
}

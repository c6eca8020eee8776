// Package app wires the bot together: config, logging, storage, the
// Telegram sender, the broadcast engine and its supporting services.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"storebot/internal/adapters/telegram"
	"storebot/internal/api"
	"storebot/internal/cache"
	"storebot/internal/config"
	"storebot/internal/eventbus"
	"storebot/internal/services/broadcast"
	"storebot/internal/services/retention"
	"storebot/internal/storage"
	"storebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	rdb     *redis.Client
	limiter *rate.Limiter

	bcast *broadcast.Service
	ret   *retention.Service
	api   *api.Server

	lastCfg *config.Config

	watchDone chan struct{}
	cancel    context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sender, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ParseMode: cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// One limiter for the whole process: every worker on every broadcast
	// draws from the same token bucket.
	ratePerSec := cfg.Broadcast.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.Broadcast.Burst
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	var (
		rdb       *redis.Client
		progCache broadcast.ProgressCache
	)
	if cfg.Cache != nil && cfg.Cache.Enabled {
		ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, time.Hour)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		progCache = cache.NewProgressCache(rdb, ttl)
		log.Info("progress cache enabled", logx.String("addr", cfg.Cache.Addr))
	}

	bcastCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bcast := broadcast.New(bcastCfg, broadcast.Deps{
		Store:    store,
		Audience: store,
		Sender:   sender,
		Limiter:  limiter,
		Bus:      bus,
		Cache:    progCache,
		Log:      log.With(logx.String("comp", "broadcast")),
	})

	retCfg, err := mapRetentionConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ret := retention.New(retCfg, store, log.With(logx.String("comp", "retention")))

	apiCfg := api.Config{}
	if cfg.API != nil {
		apiCfg = api.Config{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr}
	}
	apiSrv := api.New(apiCfg, bcast, log.With(logx.String("comp", "api")))

	return &App{
		cfgm:    cfgm,
		lastCfg: cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		rdb:     rdb,
		limiter: limiter,
		bcast:   bcast,
		ret:     ret,
		api:     apiSrv,
	}, nil
}

// Broadcasts exposes the engine for embedding callers.
func (a *App) Broadcasts() *broadcast.Service { return a.bcast }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bcast.Start(runCtx)
	if err := a.ret.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// Hot reload: logging and the send rate apply live; everything else
	// needs a restart and says so.
	sub := a.cfgm.Subscribe(4)
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		defer a.cfgm.Unsubscribe(sub)
		go func() { _ = a.cfgm.Watch(runCtx) }()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	ratePerSec := cfg.Broadcast.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.Broadcast.Burst
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	if rate.Limit(ratePerSec) != a.limiter.Limit() || burst != a.limiter.Burst() {
		a.limiter.SetLimit(rate.Limit(ratePerSec))
		a.limiter.SetBurst(burst)
		a.log.Info("send rate updated",
			logx.Any("rate_per_sec", ratePerSec), logx.Int("burst", burst))
	}

	if a.lastCfg != nil && a.lastCfg.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	a.lastCfg = cfg

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	a.api.Stop(ctx)
	a.ret.Stop(ctx)
	a.bcast.Stop(ctx)

	if a.watchDone != nil {
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis close", logx.Err(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		ErrorLogMax: cfg.Storage.ErrorLogMax,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	retryBase, err := config.ParseDurationField("broadcast.storage_retry_base", cfg.Broadcast.StorageRetryBase)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Enabled:          cfg.Broadcast.Enabled,
		Workers:          cfg.Broadcast.Workers,
		QueueSize:        cfg.Broadcast.QueueSize,
		ProgressEvery:    cfg.Broadcast.ProgressEvery,
		StorageRetryMax:  cfg.Broadcast.StorageRetryMax,
		StorageRetryBase: retryBase,
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	rc := retention.Config{}
	if cfg.Retention == nil {
		return rc, nil
	}
	maxAge, err := config.ParseDurationField("retention.max_age", cfg.Retention.MaxAge)
	if err != nil {
		return rc, err
	}
	return retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   maxAge,
	}, nil
}

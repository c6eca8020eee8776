// Package config loads and watches the bot configuration. YAML and JSON
// are both accepted; YAML is coerced to JSON so one strict decoder
// (DisallowUnknownFields) covers both formats and typos fail loudly.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	Storage   StorageConfig    `json:"storage"`
	Cache     *CacheConfig     `json:"cache,omitempty"`
	API       *APIConfig       `json:"api,omitempty"`
	Retention *RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	ParseMode    string  `json:"parse_mode,omitempty"` // default "HTML"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BroadcastConfig controls the delivery engine. RatePerSec and Burst
// feed the single shared limiter; all durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 20
//   - burst: rate_per_sec
//   - workers: 2
//   - queue_size: 64
//   - progress_every: 25
//   - storage_retry_max: 3
//   - storage_retry_base: "200ms"
type BroadcastConfig struct {
	Enabled          bool    `json:"enabled"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	Burst            int     `json:"burst,omitempty"`
	Workers          int     `json:"workers,omitempty"`
	QueueSize        int     `json:"queue_size,omitempty"`
	ProgressEvery    int     `json:"progress_every,omitempty"`
	StorageRetryMax  int     `json:"storage_retry_max,omitempty"`
	StorageRetryBase string  `json:"storage_retry_base,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Examples:
//
//	"storage": { "driver": "sqlite", "path": "./storebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	ErrorLogMax int    `json:"error_log_max,omitempty"`
}

// CacheConfig controls the optional Redis progress mirror. Nil section
// means disabled; the engine works without it.
type CacheConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	TTL      string `json:"ttl,omitempty"` // Go duration string, default "1h"
}

// APIConfig controls the admin HTTP server. Prefer a loopback addr;
// the API carries no auth of its own.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8090"
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 4 * * *"
	MaxAge   string `json:"max_age,omitempty"`  // Go duration string, default "720h"
}

// Validate checks everything that must hold before the config is
// committed: required fields, duration syntax, driver names. Hot reload
// runs this too, so a bad edit never reaches subscribers.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Storage.ErrorLogMax < 0 {
		return fmt.Errorf("storage.error_log_max must be >= 0")
	}

	if c.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	if c.Broadcast.Burst < 0 || c.Broadcast.Workers < 0 || c.Broadcast.QueueSize < 0 ||
		c.Broadcast.ProgressEvery < 0 || c.Broadcast.StorageRetryMax < 0 {
		return fmt.Errorf("broadcast: counts must be >= 0")
	}
	if _, err := ParseDurationField("broadcast.storage_retry_base", c.Broadcast.StorageRetryBase); err != nil {
		return err
	}

	if c.Cache != nil && c.Cache.Enabled {
		if strings.TrimSpace(c.Cache.Addr) == "" {
			return fmt.Errorf("cache.addr is required when cache.enabled")
		}
		if _, err := ParseDurationField("cache.ttl", c.Cache.TTL); err != nil {
			return err
		}
	}

	if c.Retention != nil {
		if _, err := ParseDurationField("retention.max_age", c.Retention.MaxAge); err != nil {
			return err
		}
	}
	return nil
}

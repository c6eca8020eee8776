// Package cache mirrors in-flight broadcast counters into redis so status
// polls (admin UI, HTTP API) don't hit the relational store per request.
// Best-effort only; the broadcast row stays authoritative.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storebot/internal/services/broadcast"
)

type ProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewProgressCache(rdb *redis.Client, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProgressCache{rdb: rdb, ttl: ttl}
}

func key(id int64) string { return fmt.Sprintf("broadcast:%d:progress", id) }

func (c *ProgressCache) StoreProgress(ctx context.Context, id int64, p broadcast.Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(id), b, c.ttl).Err()
}

func (c *ProgressCache) LoadProgress(ctx context.Context, id int64) (broadcast.Progress, bool, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return broadcast.Progress{}, false, nil
	}
	if err != nil {
		return broadcast.Progress{}, false, err
	}
	var p broadcast.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return broadcast.Progress{}, false, err
	}
	return p, true, nil
}

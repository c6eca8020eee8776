package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"storebot/internal/services/broadcast"
)

func newTestCache(t *testing.T) (*ProgressCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewProgressCache(rdb, time.Minute), mr
}

func TestStoreLoadRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	want := broadcast.Progress{
		Status:    broadcast.StatusInProgress,
		Success:   120,
		Failed:    4,
		Total:     500,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := c.StoreProgress(ctx, 7, want); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := c.LoadProgress(ctx, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Status != want.Status || got.Success != want.Success ||
		got.Failed != want.Failed || got.Total != want.Total {
		t.Fatalf("progress = %+v, want %+v", got, want)
	}
}

func TestLoadMissIsNotAnError(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.LoadProgress(context.Background(), 404)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreProgress(ctx, 1, broadcast.Progress{Status: broadcast.StatusInProgress}); err != nil {
		t.Fatalf("store: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.LoadProgress(ctx, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("entry should have expired")
	}
}

func TestKeysAreNamespacedPerBroadcast(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreProgress(ctx, 1, broadcast.Progress{Success: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.StoreProgress(ctx, 2, broadcast.Progress{Success: 2}); err != nil {
		t.Fatalf("store: %v", err)
	}

	p1, _, _ := c.LoadProgress(ctx, 1)
	p2, _, _ := c.LoadProgress(ctx, 2)
	if p1.Success != 1 || p2.Success != 2 {
		t.Fatalf("cross-talk between keys: %+v / %+v", p1, p2)
	}
}

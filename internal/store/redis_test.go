package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

// countingPairs counts reads that reach the primary.
type countingPairs struct {
	*MemoryStore
	reads int
}

func (c *countingPairs) PayoutRate(ctx context.Context, symbol string) (money.Rate, error) {
	c.reads++
	return c.MemoryStore.PayoutRate(ctx, symbol)
}

func newCachedPairs(t *testing.T) (*CachedPairs, *countingPairs, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &countingPairs{MemoryStore: NewMemoryStore()}
	return NewCachedPairs(primary, rdb, time.Minute), primary, mr
}

func TestCachedPairs_ReadThrough(t *testing.T) {
	cp, primary, mr := newCachedPairs(t)
	ctx := context.Background()
	_ = primary.UpsertPair(ctx, model.Pair{Symbol: "BTCUSDT", PayoutRate: 8000, Active: true})

	for i := 0; i < 3; i++ {
		rate, err := cp.PayoutRate(ctx, "btcusdt")
		if err != nil || rate != 8000 {
			t.Fatalf("read %d: got %d %v", i, rate, err)
		}
	}
	if primary.reads != 1 {
		t.Errorf("expected 1 primary read, got %d", primary.reads)
	}
	if got, _ := mr.Get("pair:BTCUSDT"); got != "0.8" {
		t.Errorf("unexpected cached value %q", got)
	}
}

func TestCachedPairs_UpsertInvalidates(t *testing.T) {
	cp, primary, mr := newCachedPairs(t)
	ctx := context.Background()
	_ = cp.UpsertPair(ctx, model.Pair{Symbol: "BTCUSDT", PayoutRate: 8000, Active: true})
	_, _ = cp.PayoutRate(ctx, "BTCUSDT")

	if err := cp.UpsertPair(ctx, model.Pair{Symbol: "BTCUSDT", PayoutRate: 8500, Active: true}); err != nil {
		t.Fatalf("UpsertPair: %v", err)
	}
	if mr.Exists("pair:BTCUSDT") {
		t.Error("cache entry should be invalidated")
	}
	rate, _ := cp.PayoutRate(ctx, "BTCUSDT")
	if rate != 8500 {
		t.Errorf("expected 8500 after update, got %d", rate)
	}
	if primary.reads != 2 {
		t.Errorf("expected 2 primary reads, got %d", primary.reads)
	}
}

func TestCachedPairs_MissNotCached(t *testing.T) {
	cp, _, mr := newCachedPairs(t)
	ctx := context.Background()

	if _, err := cp.PayoutRate(ctx, "NOPE"); !errors.Is(err, ErrPairNotFound) {
		t.Fatalf("expected ErrPairNotFound, got %v", err)
	}
	if mr.Exists("pair:NOPE") {
		t.Error("misses must not be cached")
	}
}

func TestCachedPairs_RedisDown(t *testing.T) {
	cp, primary, mr := newCachedPairs(t)
	ctx := context.Background()
	_ = primary.UpsertPair(ctx, model.Pair{Symbol: "BTCUSDT", PayoutRate: 8000, Active: true})
	mr.Close()

	rate, err := cp.PayoutRate(ctx, "BTCUSDT")
	if err != nil || rate != 8000 {
		t.Fatalf("primary must serve when Redis is down: %d %v", rate, err)
	}
}

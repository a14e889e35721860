package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

// CachedPairs wraps a primary PairStore (PostgreSQL) with a Redis
// read-through cache of payout rates. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Only the pair registry is cached: balances and trades are always
// read from the ledger.
type CachedPairs struct {
	primary PairStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedPairs creates a cached wrapper around a primary pair store.
func NewCachedPairs(primary PairStore, rdb *redis.Client, ttl time.Duration) *CachedPairs {
	return &CachedPairs{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedPairs) UpsertPair(ctx context.Context, p model.Pair) error {
	if err := s.primary.UpsertPair(ctx, p); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, pairKey(p.Symbol))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedPairs) PayoutRate(ctx context.Context, symbol string) (money.Rate, error) {
	key := pairKey(symbol)

	// Try cache. Any Redis error other than a miss is treated as a miss;
	// the primary stays authoritative.
	if cached, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if rate, perr := money.ParseRate(cached); perr == nil {
			return rate, nil
		}
	}

	// Cache miss: read from primary. Unknown or inactive pairs are not
	// cached so re-activation takes effect immediately.
	rate, err := s.primary.PayoutRate(ctx, symbol)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, key, rate.String(), s.ttl)
	return rate, nil
}

// --- Passthrough (not cached) ---

func (s *CachedPairs) ListPairs(ctx context.Context) ([]model.Pair, error) {
	return s.primary.ListPairs(ctx)
}

func pairKey(symbol string) string {
	return fmt.Sprintf("pair:%s", strings.ToUpper(strings.TrimSpace(symbol)))
}

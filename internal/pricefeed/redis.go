package pricefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultPricePrefix = "price:"

// RedisSource reads the price snapshot the external poller keeps in Redis,
// one string key per symbol ("price:BTCUSDT" → "27123.45"). Key TTLs are the
// poller's business; an expired key reads as ErrNoPrice.
type RedisSource struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSource creates a Redis-backed price source. An empty prefix uses
// "price:".
func NewRedisSource(rdb *redis.Client, prefix string) *RedisSource {
	if prefix == "" {
		prefix = defaultPricePrefix
	}
	return &RedisSource{rdb: rdb, prefix: prefix}
}

func (s *RedisSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, s.key(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, ErrNoPrice
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	return parsePositive(raw)
}

// Publish writes a price snapshot; the poller side of the contract.
func (s *RedisSource) Publish(ctx context.Context, symbol string, price decimal.Decimal) error {
	return s.rdb.Set(ctx, s.key(symbol), price.String(), 0).Err()
}

func (s *RedisSource) key(symbol string) string {
	return s.prefix + NormalizeSymbol(symbol)
}

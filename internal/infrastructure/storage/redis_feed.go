package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vortexlab/tradengine/internal/domain"
)

// Key layout:
//
//	cond:{exchange}:{symbol}   JSON StrategyCondition, written by the
//	                           indicator service
//	cond:refresh:{exchange}    SET of symbols awaiting recompute
//
// Indicator math runs in a separate service; this adapter only reads
// its output and files refresh requests.
type RedisMarketDataFeed struct {
	rdb *redis.Client
	// maxAge bounds how stale a condition may be before it counts as
	// missing data.
	maxAge time.Duration
}

func NewRedisMarketDataFeed(rdb *redis.Client, maxAge time.Duration) *RedisMarketDataFeed {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RedisMarketDataFeed{rdb: rdb, maxAge: maxAge}
}

func conditionKey(exchangeID, symbol string) string {
	return "cond:" + exchangeID + ":" + symbol
}

func refreshKey(exchangeID string) string {
	return "cond:refresh:" + exchangeID
}

func (f *RedisMarketDataFeed) GetCondition(ctx context.Context, exchangeID, symbol string) (*domain.StrategyCondition, error) {
	data, err := f.rdb.Get(ctx, conditionKey(exchangeID, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrDataNotReady
	}
	if err != nil {
		return nil, err
	}
	var cond domain.StrategyCondition
	if err := json.Unmarshal(data, &cond); err != nil {
		return nil, fmt.Errorf("unmarshal condition %s: %w", symbol, err)
	}
	if time.Since(cond.UpdatedAt) > f.maxAge {
		return nil, domain.ErrDataNotReady
	}
	return &cond, nil
}

func (f *RedisMarketDataFeed) RequestRefresh(ctx context.Context, exchangeID, symbol string) error {
	return f.rdb.SAdd(ctx, refreshKey(exchangeID), symbol).Err()
}

// SetCondition is used by tests and by the indicator service's writer.
func (f *RedisMarketDataFeed) SetCondition(ctx context.Context, exchangeID, symbol string, cond *domain.StrategyCondition) error {
	data, err := json.Marshal(cond)
	if err != nil {
		return err
	}
	return f.rdb.Set(ctx, conditionKey(exchangeID, symbol), data, 0).Err()
}

var _ domain.MarketDataFeed = (*RedisMarketDataFeed)(nil)

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokerage/portfolio-engine/pkg/retry"
)

const (
	quoteKeyFormat   = "oracle:quote:%s"
	historyKeyFormat = "oracle:history:%s:%d"
)

// CachedSource decorates a Source with a Redis cache and a bounded retry
// policy. Quotes are cached briefly (the monitor re-reads every cycle);
// close history is cached for much longer.
type CachedSource struct {
	upstream     Source
	redis        *redis.Client
	policy       retry.Policy
	quoteTTL     time.Duration
	historyTTL   time.Duration
	fetchTimeout time.Duration
}

// NewCachedSource wraps upstream. Zero TTLs get sane defaults.
func NewCachedSource(upstream Source, redisClient *redis.Client, policy retry.Policy, quoteTTL, historyTTL time.Duration) *CachedSource {
	if quoteTTL <= 0 {
		quoteTTL = 15 * time.Second
	}
	if historyTTL <= 0 {
		historyTTL = 30 * time.Minute
	}
	return &CachedSource{
		upstream:     upstream,
		redis:        redisClient,
		policy:       policy,
		quoteTTL:     quoteTTL,
		historyTTL:   historyTTL,
		fetchTimeout: 5 * time.Second,
	}
}

// GetQuote returns the cached quote when fresh, otherwise fetches with
// retries and refreshes the cache. Cache failures degrade to a plain fetch.
func (c *CachedSource) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	key := fmt.Sprintf(quoteKeyFormat, symbol)

	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var q Quote
			if err := json.Unmarshal(raw, &q); err == nil {
				return &q, nil
			}
		}
	}

	var quote *Quote
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		q, err := c.upstream.GetQuote(fetchCtx, symbol)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if raw, err := json.Marshal(quote); err == nil {
			_ = c.redis.Set(ctx, key, raw, c.quoteTTL).Err()
		}
	}
	return quote, nil
}

// GetHistoricalCloses returns the cached close series when present,
// otherwise fetches with retries and caches the result.
func (c *CachedSource) GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]Candle, error) {
	key := fmt.Sprintf(historyKeyFormat, symbol, days)

	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var candles []Candle
			if err := json.Unmarshal(raw, &candles); err == nil {
				return candles, nil
			}
		}
	}

	var candles []Candle
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		series, err := c.upstream.GetHistoricalCloses(fetchCtx, symbol, days)
		if err != nil {
			return err
		}
		candles = series
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if raw, err := json.Marshal(candles); err == nil {
			_ = c.redis.Set(ctx, key, raw, c.historyTTL).Err()
		}
	}
	return candles, nil
}

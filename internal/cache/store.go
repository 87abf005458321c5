// Package cache implements the membership cache adapter over Redis.
//
// The cache is strictly an optimization: any backend error is degraded to a
// miss and counted, never surfaced to the caller. An entry past its TTL is
// simply absent, Redis expiry enforces that invariant.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"membergate/internal/common/config"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "member:"

// Entry is the cached membership state for one (user, channel) pair.
type Entry struct {
	Member    bool      `json:"member"`
	CheckedAt time.Time `json:"checked_at"`
}

// Store provides typed get/set/delete over the Redis membership cache.
type Store struct {
	rdb         *redis.Client
	positiveTTL time.Duration
	posJitter   float64
	negativeTTL time.Duration
	negJitter   float64
	metrics     *metrics.Metrics
	logger      logger.Logger
}

// NewStore creates a membership cache store.
func NewStore(rdb *redis.Client, cfg config.CacheConfig, m *metrics.Metrics, log logger.Logger) *Store {
	return &Store{
		rdb:         rdb,
		positiveTTL: cfg.GetPositiveTTL(),
		posJitter:   cfg.PositiveJitterPct,
		negativeTTL: cfg.GetNegativeTTL(),
		negJitter:   cfg.NegativeJitterPct,
		metrics:     m,
		logger:      log.WithFields(map[string]interface{}{"component": "membership-cache"}),
	}
}

// Key builds the cache key for a (user, channel) pair.
func Key(userID, channelID int64) string {
	return fmt.Sprintf("%s%d:%d", keyPrefix, userID, channelID)
}

// GetMembership returns the cached membership state and whether a fresh
// entry exists. Backend errors count as misses.
func (s *Store) GetMembership(ctx context.Context, userID, channelID int64) (bool, bool) {
	val, err := s.rdb.Get(ctx, Key(userID, channelID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.metrics.CacheErrors.Inc()
			s.logger.Warn("cache get failed, treating as miss", map[string]interface{}{
				"userId":    userID,
				"channelId": channelID,
				"error":     err.Error(),
			})
		}
		s.metrics.CacheMisses.Inc()
		return false, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		s.metrics.CacheErrors.Inc()
		s.metrics.CacheMisses.Inc()
		return false, false
	}

	s.metrics.CacheHits.Inc()
	return entry.Member, true
}

// SetMembership stores a membership result with a jittered TTL. Negative
// results get the shorter TTL so they are retried optimistically.
func (s *Store) SetMembership(ctx context.Context, userID, channelID int64, member bool) {
	entry := Entry{Member: member, CheckedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	ttl := JitteredTTL(s.positiveTTL, s.posJitter)
	if !member {
		ttl = JitteredTTL(s.negativeTTL, s.negJitter)
	}

	if err := s.rdb.Set(ctx, Key(userID, channelID), data, ttl).Err(); err != nil {
		s.metrics.CacheErrors.Inc()
		s.logger.Warn("cache set failed", map[string]interface{}{
			"userId":    userID,
			"channelId": channelID,
			"error":     err.Error(),
		})
	}
}

// DeleteMembership drops the cached entry for a (user, channel) pair. Used
// on observed leave events and before a forced re-verification.
func (s *Store) DeleteMembership(ctx context.Context, userID, channelID int64) {
	if err := s.rdb.Del(ctx, Key(userID, channelID)).Err(); err != nil {
		s.metrics.CacheErrors.Inc()
		s.logger.Warn("cache delete failed", map[string]interface{}{
			"userId":    userID,
			"channelId": channelID,
			"error":     err.Error(),
		})
	}
}

// JitteredTTL returns a uniformly distributed TTL in
// [base*(1-jitterPct), base*(1+jitterPct)], preventing synchronized
// mass-expiry of entries written in a burst.
func JitteredTTL(base time.Duration, jitterPct float64) time.Duration {
	if jitterPct <= 0 {
		return base
	}
	span := 2 * jitterPct * float64(base)
	low := float64(base) * (1 - jitterPct)
	return time.Duration(low + rand.Float64()*span)
}

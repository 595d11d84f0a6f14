package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// RateLimiter provides upload rate limiting using Redis + Lua
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
	tiers  map[UploadTier]TierConfig
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
		tiers:  DefaultTierConfigs,
	}
}

// WithStandardLimit sets the per-minute standard tier budget; the large
// tier gets a fifth of it, never less than one
func (r *RateLimiter) WithStandardLimit(perMinute int64) *RateLimiter {
	if perMinute <= 0 {
		return r
	}
	tiers := make(map[UploadTier]TierConfig, len(r.tiers))
	for k, v := range r.tiers {
		tiers[k] = v
	}
	tiers[TierStandard] = TierConfig{Tier: TierStandard, Limit: perMinute, WindowSeconds: 60}
	tiers[TierLarge] = TierConfig{Tier: TierLarge, Limit: max(1, perMinute/5), WindowSeconds: 60}
	r.tiers = tiers
	return r
}

// CheckClientLimit checks the per-client upload limit
func (r *RateLimiter) CheckClientLimit(ctx context.Context, client string, limit int64, windowSec int) (*RateLimitResult, error) {
	key := fmt.Sprintf("rate_limit:client:%s", client)
	return r.checkLimit(ctx, key, limit, windowSec)
}

// CheckTieredLimit checks the per-client limit of the upload's tier
// Uses separate counters per tier so large uploads do not consume the standard quota
func (r *RateLimiter) CheckTieredLimit(ctx context.Context, client string, tier UploadTier) (*RateLimitResult, error) {
	key := fmt.Sprintf("rate_limit:client:%s:tier:%s", client, tier)
	cfg, ok := r.tiers[tier]
	if !ok {
		cfg = r.tiers[TierLarge]
	}
	return r.checkLimit(ctx, key, cfg.Limit, cfg.WindowSeconds)
}

// checkLimit executes the rate limit Lua script
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*RateLimitResult, error) {
	// Run Lua script atomically
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Parse result array: {allowed, current_count, limit, retry_after}
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	values := make([]int64, len(resultArray))
	for i, v := range resultArray {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		values[i] = n
	}
	allowed := values[0] == 1
	currentCount := values[1]
	returnedLimit := values[2]
	retryAfter := values[3]

	rateLimitResult := &RateLimitResult{
		Allowed:           allowed,
		CurrentCount:      currentCount,
		Limit:             returnedLimit,
		RetryAfterSeconds: retryAfter,
	}

	if !allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", currentCount,
			"limit", limit,
			"retry_after", retryAfter)
	} else {
		r.logger.Debug("rate limit check passed",
			"key", key,
			"current", currentCount,
			"limit", limit)
	}

	return rateLimitResult, nil
}

// GetCurrentCount returns current count without incrementing (for monitoring)
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil // Key doesn't exist = no requests yet
	}
	return count, err
}

// ResetLimit clears a rate limit counter (for testing/admin)
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}

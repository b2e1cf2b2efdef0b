package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/donorhub/recurring-donation-service/internal/domain"
)

const defaultRateLimitPrefix = "donations:rate_limit"

// Sliding window log: one sorted-set member per admitted status change, scored by its
// time in milliseconds. A rejected request is not recorded.
var statusChangeWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, 0}
`)

// RateDecision is the limiter's verdict on one status change request.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RedisStatusChangeLimiter caps how many status changes a donor may request per minute
// across every replica of the service.
type RedisStatusChangeLimiter struct {
	client    redis.UniversalClient
	prefix    string
	perMinute int
	now       func() time.Time
}

func NewRedisStatusChangeLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisStatusChangeLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	if perMinute <= 0 {
		perMinute = defaultStatusChangeLimit
	}
	return &RedisStatusChangeLimiter{client: client, prefix: prefix, perMinute: perMinute, now: time.Now}
}

// AllowStatusChange admits the request when the donor has made fewer than perMinute
// status changes in the last minute. Actors without a donor id are not limited.
func (l *RedisStatusChangeLimiter) AllowStatusChange(ctx context.Context, actor domain.Actor) (RateDecision, error) {
	if l == nil || l.client == nil || actor.DonorID == uuid.Nil {
		return RateDecision{Allowed: true}, nil
	}

	raw, err := statusChangeWindowScript.Run(ctx, l.client,
		[]string{l.donorKey(actor.DonorID)},
		l.now().UnixMilli(),
		statusChangeRateWindow.Milliseconds(),
		l.perMinute,
		uuid.NewString(),
	).Result()
	if err != nil {
		return RateDecision{}, err
	}
	return decodeRateDecision(raw)
}

func (l *RedisStatusChangeLimiter) donorKey(donorID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, statusChangeRateScope, donorID)
}

func decodeRateDecision(raw interface{}) (RateDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return RateDecision{}, fmt.Errorf("unexpected rate limit reply %T", raw)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected rate limit verdict %T", values[0])
	}
	waitMs, ok := values[1].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected rate limit wait %T", values[1])
	}
	if allowed == 1 {
		return RateDecision{Allowed: true}, nil
	}
	if waitMs < 0 {
		waitMs = 0
	}
	return RateDecision{RetryAfter: time.Duration(waitMs) * time.Millisecond}, nil
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

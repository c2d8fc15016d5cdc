package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"helphero/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// Limiter 基于 Redis Lua 脚本的令牌桶限流器。
//
// 桶按调用方标识（如客户端 IP）动态分桶，用于登录接口的暴力破解防护。
// Allow 是非阻塞的：没有令牌直接拒绝，由调用方返回 429。
type Limiter struct {
	rdb       *redis.Client
	keyPrefix string
	rate      float64
	burst     float64
	logger    *slog.Logger
	script    *redis.Script
}

// NewLimiter 创建限流器。rate 为每秒补充令牌数，burst 为桶容量。
func NewLimiter(rdb *redis.Client, logger *slog.Logger, keyPrefix string, rate float64, burst float64) *Limiter {
	if keyPrefix == "" {
		keyPrefix = "helphero:ratelimit:"
	}
	return &Limiter{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		rate:      rate,
		burst:     burst,
		logger:    logger,
		script:    redis.NewScript(tokenBucketLua),
	}
}

// Allow 尝试为 caller 取走一个令牌，无令牌时返回 false。
//
// rate/burst 未配置（<=0）时限流关闭，始终放行。
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, error) {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return true, nil
	}

	start := time.Now()
	allowed, _, err := l.tryAcquire(ctx, l.keyPrefix+caller)
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	if !allowed && l.logger != nil {
		l.logger.Warn("rate limit exceeded", slog.String("caller", caller))
	}
	return allowed, nil
}

func (l *Limiter) tryAcquire(ctx context.Context, key string) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{key}, l.rate, l.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	return allowed, waitMs, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

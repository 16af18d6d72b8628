// Package ratelimit 提供基于 Redis 的令牌桶限流，多个进程共享同一个桶。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"ozon1688/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 表示在允许的时间内没有拿到令牌。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const defaultKeyPrefix = "ozon1688:ratelimit:"

// tokenBucketLua 原子地补充并消费令牌，返回 {是否允许, 需等待毫秒, 剩余令牌}。
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
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local refill = (math.max(0, now - ts) * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

var bucketScript = redis.NewScript(tokenBucketLua)

// Limiter Redis 令牌桶限流器。
type Limiter struct {
	rdb     *redis.Client
	key     string
	rate    float64
	burst   float64
	maxWait time.Duration
	logger  *slog.Logger
}

// New 创建限流器。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器，可为 nil
//   - name: 桶名称（会加上 ozon1688:ratelimit: 前缀）
//   - rate: 每秒补充的令牌数，<=0 表示不限流
//   - burst: 桶容量
//   - maxWait: 单次获取令牌的最长等待，<=0 表示只受 ctx 约束
//
// 返回值:
//   - *Limiter: 限流器
func New(rdb *redis.Client, logger *slog.Logger, name string, rate, burst float64, maxWait time.Duration) *Limiter {
	if name == "" {
		name = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:     rdb,
		key:     defaultKeyPrefix + name,
		rate:    rate,
		burst:   burst,
		maxWait: maxWait,
		logger:  logger,
	}
}

// WithName 返回共享配置但使用另一个桶的限流器（例如每个搜索层级一个桶）。
func (r *Limiter) WithName(name string) *Limiter {
	if r == nil {
		return nil
	}
	cp := *r
	cp.key = defaultKeyPrefix + name
	return &cp
}

// Acquire 阻塞直到拿到一个令牌。
//
// 超过 maxWait 或 ctx 结束时返回 ErrRateLimitTimeout；nil 限流器直接放行。
func (r *Limiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}
	if r.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.maxWait)
		defer cancel()
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			r.logger.Warn("rate limit wait timeout",
				slog.String("key", r.key),
				slog.Duration("waited", time.Since(start)))
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *Limiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		if ctx.Err() != nil {
			metrics.RateLimitTimeoutTotal.Inc()
			return false, 0, ErrRateLimitTimeout
		}
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
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
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

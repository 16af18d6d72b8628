// Package dedup 在短时间窗口内拦截同一用户对同一链接的并发提交。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ozon1688:dedup:submit:"

// Guard 基于 Redis SETNX 的提交去重。
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard 创建去重守卫。
//
// 参数:
//   - rdb: Redis 客户端（为 nil 时所有提交都放行）
//   - ttl: 去重窗口，<= 0 时为 1 分钟
//
// 返回值:
//   - *Guard: 守卫实例
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Acquire 占用 (owner, url) 的提交窗口。
//
// 返回值:
//   - bool: 窗口内已有提交时为 true
//   - error: Redis 错误
func (g *Guard) Acquire(ctx context.Context, ownerID uint, url string) (bool, error) {
	if g == nil || g.rdb == nil || url == "" {
		return false, nil
	}
	ok, err := g.rdb.SetNX(ctx, key(ownerID, url), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Release 提前释放提交窗口（如创建任务失败时）。
func (g *Guard) Release(ctx context.Context, ownerID uint, url string) error {
	if g == nil || g.rdb == nil || url == "" {
		return nil
	}
	if err := g.rdb.Del(ctx, key(ownerID, url)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func key(ownerID uint, url string) string {
	sum := sha256.Sum256([]byte(strconv.FormatUint(uint64(ownerID), 10) + "|" + url))
	return keyPrefix + hex.EncodeToString(sum[:])
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/types"
)

// redisEntry Redis 中的缓存条目序列化形态
type redisEntry struct {
	Result     *types.Result `json:"result"`
	InsertedAt time.Time     `json:"inserted_at"`
}

// MultiLevelResultCache 两级结果缓存
// 本地 ResultCache 作为 L1，Redis 作为 L2；L2 命中时回填 L1。
// 任意一层故障都不会向调用方暴露错误，只会退化为未命中。
type MultiLevelResultCache struct {
	local    *ResultCache
	redis    *redis.Client
	redisTTL time.Duration
	logger   *zap.Logger
}

// NewMultiLevelResultCache 创建两级缓存
func NewMultiLevelResultCache(local *ResultCache, rdb *redis.Client, redisTTL time.Duration, logger *zap.Logger) *MultiLevelResultCache {
	return &MultiLevelResultCache{
		local:    local,
		redis:    rdb,
		redisTTL: redisTTL,
		logger:   logger.With(zap.String("component", "result_cache")),
	}
}

// Get 先查本地，再查 Redis
func (c *MultiLevelResultCache) Get(ctx context.Context, fingerprint string) (*types.Result, bool) {
	if res, ok := c.local.Get(ctx, fingerprint); ok {
		return res, true
	}

	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, false
	}

	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil || !entry.Result.Valid() {
		// 解码失败或形状非法：视为未命中，不向上传播
		c.logger.Warn("discarding corrupt cache entry", zap.String("fingerprint", fingerprint))
		return nil, false
	}

	// 回填本地缓存
	c.local.Set(ctx, fingerprint, entry.Result)
	c.logger.Debug("l2 cache hit", zap.String("fingerprint", fingerprint))
	return entry.Result.Clone(), true
}

// Set 写本地，再尽力写 Redis
func (c *MultiLevelResultCache) Set(ctx context.Context, fingerprint string, result *types.Result) {
	c.local.Set(ctx, fingerprint, result)

	if c.redis == nil {
		return
	}

	data, err := json.Marshal(redisEntry{Result: result, InsertedAt: time.Now()})
	if err != nil {
		c.logger.Warn("marshal cache entry failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, fingerprint, data, c.redisTTL).Err(); err != nil {
		c.logger.Warn("redis set error", zap.Error(err))
	}
}

// Stats 返回本地层统计
// L2 的命中已计入本地层的回填路径，单独统计意义不大
func (c *MultiLevelResultCache) Stats() Stats {
	return c.local.Stats()
}

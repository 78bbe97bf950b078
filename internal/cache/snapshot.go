// Package cache 会话列表快照缓存
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/pkg/rediskey"
)

// DefaultTTL 快照默认过期时间
const DefaultTTL = 24 * time.Hour

// SnapshotCache 以 JSON 形式把会话列表存入 Redis，启动时先展示快照再等待首次拉取
type SnapshotCache struct {
	redisClient *redis.Client
	ttl         time.Duration
	logger      *slog.Logger
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(redisClient *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{
		redisClient: redisClient,
		ttl:         ttl,
		logger:      slog.Default().With("component", "SnapshotCache"),
	}
}

// Load 读取快照，不存在时 ok 为 false
func (c *SnapshotCache) Load(ctx context.Context, userID string) ([]model.Conversation, bool, error) {
	data, err := c.redisClient.Get(ctx, rediskey.BuildConversationSnapshotKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var convs []model.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		// 损坏的快照直接丢弃，等待远端刷新覆盖
		c.logger.Warn("Discarding corrupt snapshot", "userId", userID, "error", err)
		return nil, false, nil
	}
	return convs, true, nil
}

// Save 写入快照并刷新过期时间
func (c *SnapshotCache) Save(ctx context.Context, userID string, convs []model.Conversation) error {
	if convs == nil {
		convs = []model.Conversation{}
	}
	data, err := json.Marshal(convs)
	if err != nil {
		return err
	}
	return c.redisClient.Set(ctx, rediskey.BuildConversationSnapshotKey(userID), data, c.ttl).Err()
}

// Clear 删除快照
func (c *SnapshotCache) Clear(ctx context.Context, userID string) error {
	return c.redisClient.Del(ctx, rediskey.BuildConversationSnapshotKey(userID)).Err()
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/pkg/rediskey"
)

// PresenceService 用户在线状态（只读）
// 接入层为每个在线连接写入 im:user:location:{userId}:{platform}，任一平台存在即视为在线
type PresenceService struct {
	redisClient *redis.Client
	platforms   []string

	mu       sync.RWMutex
	statuses map[string]model.PresenceStatus

	logger *slog.Logger
}

// NewPresenceService 创建在线状态服务
func NewPresenceService(redisClient *redis.Client) *PresenceService {
	return &PresenceService{
		redisClient: redisClient,
		platforms:   rediskey.AllPlatforms,
		statuses:    make(map[string]model.PresenceStatus),
		logger:      slog.Default(),
	}
}

// Refresh 批量读取用户在线状态并替换缓存
func (s *PresenceService) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		s.mu.Lock()
		s.statuses = make(map[string]model.PresenceStatus)
		s.mu.Unlock()
		return nil
	}

	keys := make([]string, 0, len(userIDs)*len(s.platforms))
	for _, userID := range userIDs {
		for _, platform := range s.platforms {
			keys = append(keys, rediskey.BuildUserLocationKeyWithPlatform(userID, platform))
		}
	}

	results, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}

	statuses := make(map[string]model.PresenceStatus, len(userIDs))
	for i, userID := range userIDs {
		online := false
		for j := range s.platforms {
			if v, ok := results[i*len(s.platforms)+j].(string); ok && v != "" {
				online = true
				break
			}
		}
		statuses[userID] = model.PresenceStatus{IsOnline: online}
	}

	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()

	s.logger.Debug("Refreshed presence", "users", len(userIDs))
	return nil
}

// IsOnline 用户是否在线，未知用户视为离线
func (s *PresenceService) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[userID].IsOnline
}

// Statuses 在线状态副本
func (s *PresenceService) Statuses() map[string]model.PresenceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]model.PresenceStatus, len(s.statuses))
	for k, v := range s.statuses {
		result[k] = v
	}
	return result
}

// Run 定时刷新，直到 ctx 结束
func (s *PresenceService) Run(ctx context.Context, interval time.Duration, users func() []string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx, users()); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to refresh presence", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

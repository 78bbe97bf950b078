// Package redisbus 基于 Redis Pub/Sub 的推送通道
package redisbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"sudooom.im.convsync/internal/transport"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/proto"
)

// Bus 订阅 im.client.{userId}.{event} 频道
// 所有事件共用一个 PubSub 连接，由单个协程按到达顺序分发
type Bus struct {
	redisClient *redis.Client
	userID      string
	pubsub      *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]map[uint64]transport.Handler // channel -> handlers
	nextID   uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewBus 创建推送通道
func NewBus(redisClient *redis.Client, userID string, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		redisClient: redisClient,
		userID:      userID,
		handlers:    make(map[string]map[uint64]transport.Handler),
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default().With("component", "RedisBus"),
	}
	// 不带频道创建，Subscribe 时再追加
	b.pubsub = redisClient.Subscribe(ctx)

	b.wg.Add(1)
	go b.dispatch(b.pubsub.Channel(redis.WithChannelSize(bufferSize)))
	return b
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(event string, handler transport.Handler) (transport.Unsubscribe, error) {
	channel := proto.BuildClientSubject(b.userID, event)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.ErrTransportClosed
	}
	first := len(b.handlers[channel]) == 0
	id := b.nextID
	b.nextID++
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[uint64]transport.Handler)
	}
	b.handlers[channel][id] = handler
	b.mu.Unlock()

	if first {
		if err := b.pubsub.Subscribe(b.ctx, channel); err != nil {
			b.remove(channel, id)
			return nil, err
		}
		b.logger.Info("Subscribed", "channel", channel)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			if b.remove(channel, id) {
				err = b.pubsub.Unsubscribe(b.ctx, channel)
			}
		})
		return err
	}, nil
}

// remove 移除 handler，返回该频道是否已无订阅者
func (b *Bus) remove(channel string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[channel], id)
	if len(b.handlers[channel]) == 0 {
		delete(b.handlers, channel)
		return !b.closed
	}
	return false
}

func (b *Bus) dispatch(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		b.mu.RLock()
		hs := make([]transport.Handler, 0, len(b.handlers[msg.Channel]))
		for _, h := range b.handlers[msg.Channel] {
			hs = append(hs, h)
		}
		b.mu.RUnlock()

		data := []byte(msg.Payload)
		for _, h := range hs {
			h(data)
		}
	}
}

// Close 关闭 PubSub 连接并等待分发协程退出
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]map[uint64]transport.Handler)
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Redis bus stopped")
	return err
}

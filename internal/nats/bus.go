// Package nats 基于 NATS 的推送通道
package nats

import (
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"sudooom.im.convsync/internal/transport"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/proto"
)

// delivery 待分发的一条推送
type delivery struct {
	event   string
	handler transport.Handler
	data    []byte
}

// Bus 订阅当前用户的推送 Subject（im.client.{userId}.{event}）
// NATS 回调只负责入队，由单个分发协程按到达顺序调用 handler
type Bus struct {
	nc         *nats.Conn
	userID     string
	bufferSize int

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool

	msgChan chan delivery
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewBus 创建推送通道并启动分发协程
func NewBus(nc *nats.Conn, userID string, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	b := &Bus{
		nc:         nc,
		userID:     userID,
		bufferSize: bufferSize,
		subs:       make(map[*nats.Subscription]struct{}),
		msgChan:    make(chan delivery, bufferSize),
		logger:     slog.Default().With("component", "NATSBus"),
	}

	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(event string, handler transport.Handler) (transport.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.ErrTransportClosed
	}

	subject := proto.BuildClientSubject(b.userID, event)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.enqueue(delivery{event: event, handler: handler, data: msg.Data})
	})
	if err != nil {
		return nil, err
	}
	b.subs[sub] = struct{}{}

	b.logger.Info("Subscribed", "subject", subject)

	return func() error {
		b.mu.Lock()
		_, ok := b.subs[sub]
		delete(b.subs, sub)
		b.mu.Unlock()
		if !ok {
			return nil
		}
		return sub.Unsubscribe()
	}, nil
}

// enqueue 缓冲区满时丢弃
func (b *Bus) enqueue(d delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.msgChan <- d:
	default:
		b.logger.Warn("Event buffer full, dropping event", "event", d.event, "bufferSize", b.bufferSize)
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for d := range b.msgChan {
		d.handler(d.data)
	}
}

// Close 取消全部订阅，等待已入队事件分发完毕
// 不关闭底层连接
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*nats.Subscription]struct{})
	close(b.msgChan)
	b.mu.Unlock()

	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Error("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}

	b.wg.Wait()
	b.logger.Info("NATS bus stopped")
	return nil
}

// BufferUsage 缓冲区使用情况
func (b *Bus) BufferUsage() (current int, capacity int) {
	return len(b.msgChan), cap(b.msgChan)
}

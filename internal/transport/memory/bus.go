// Package memory 进程内事件通道，用于测试和本地调试
package memory

import (
	"sync"

	apperrors "sudooom.im.convsync/pkg/errors"

	"sudooom.im.convsync/internal/transport"
)

// Bus 进程内实现，Publish 同步调用所有订阅者
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]transport.Handler
	nextID   uint64
	closed   bool
}

// NewBus 创建进程内通道
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]transport.Handler),
	}
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(event string, handler transport.Handler) (transport.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.ErrTransportClosed
	}

	id := b.nextID
	b.nextID++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]transport.Handler)
	}
	b.handlers[event][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
		return nil
	}, nil
}

// Publish 投递事件，返回收到事件的订阅者数量
func (b *Bus) Publish(event string, data []byte) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	hs := make([]transport.Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return len(hs)
}

// Subscribers 当前订阅者数量
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Close 关闭通道，之后的订阅返回错误
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[uint64]transport.Handler)
	return nil
}

// Package transport 推送事件通道抽象
package transport

// Handler 事件回调，data 为事件 JSON 载荷
type Handler func(data []byte)

// Unsubscribe 取消订阅
type Unsubscribe func() error

// Bus 按事件名订阅推送
type Bus interface {
	Subscribe(event string, handler Handler) (Unsubscribe, error)
	Close() error
}

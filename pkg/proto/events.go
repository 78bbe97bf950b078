package proto

import (
	"time"

	"sudooom.im.convsync/internal/model"
)

// ============== 推送事件名 ==============

const (
	EventMessageReceived        = "message-received"
	EventUnreadCountUpdated     = "unread-count-updated"
	EventNewConversationCreated = "new-conversation-created"
)

// Events 引擎订阅的全部事件
var Events = []string{
	EventMessageReceived,
	EventUnreadCountUpdated,
	EventNewConversationCreated,
}

// ============== 推送事件载荷 ==============

// MessageReceived 新消息
type MessageReceived struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           model.MessageType `json:"type,omitempty"`
	FromUserID     string            `json:"fromUserId"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// UnreadCountUpdated 未读数变化
type UnreadCountUpdated struct {
	ConversationID string `json:"conversationId"`
	Count          *int   `json:"count"`
	UserID         string `json:"userId"`
}

// NewConversationCreated 新会话
type NewConversationCreated struct {
	Conversation *model.Conversation `json:"conversation"`
}

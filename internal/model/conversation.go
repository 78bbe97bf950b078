package model

import "time"

// MessageType 最后一条消息的类型
type MessageType string

const (
	MessageTypeText  MessageType = "text"  // 文本
	MessageTypeImage MessageType = "image" // 图片
	MessageTypeVideo MessageType = "video" // 视频
	MessageTypeFile  MessageType = "file"  // 文件
)

// Conversation 会话（当前用户视角的本地缓存）
type Conversation struct {
	ID                  string               `json:"_id"`                           // 会话ID
	IsGroup             bool                 `json:"isGroup"`                       // 是否群聊
	Name                string               `json:"name,omitempty"`                // 群名称
	Avatar              string               `json:"avatar,omitempty"`              // 群头像
	Members             []string             `json:"members"`                       // 成员ID
	MemberPreviews      []User               `json:"memberPreviews,omitempty"`      // 成员资料快照
	LastMessage         string               `json:"lastMessage,omitempty"`         // 最后一条消息
	LastMessageType     MessageType          `json:"lastMessageType,omitempty"`     // 最后一条消息类型
	LastMessageSenderID string               `json:"lastMessageSenderId,omitempty"` // 最后一条消息发送者
	UpdatedAt           time.Time            `json:"updatedAt"`                     // 更新时间
	DeletedAt           map[string]time.Time `json:"deletedAt,omitempty"`           // 用户ID -> 隐藏时间（软删除）
	UnreadCount         UnreadCount          `json:"unreadCount"`                   // 未读数
	DeactivatedAt       *time.Time           `json:"deactivatedAt,omitempty"`       // 停用时间
}

// DeletedAtFor 返回用户的删除标记，零值视为没有标记
func (c *Conversation) DeletedAtFor(userID string) (time.Time, bool) {
	if c.DeletedAt == nil {
		return time.Time{}, false
	}
	t, ok := c.DeletedAt[userID]
	if !ok || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// IsDeactivated 是否已停用
func (c *Conversation) IsDeactivated() bool {
	return c.DeactivatedAt != nil && !c.DeactivatedAt.IsZero()
}

// HasMember 判断用户是否为成员
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// OtherMembers 返回除 viewerID 之外的成员
func (c *Conversation) OtherMembers(viewerID string) []string {
	result := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != viewerID {
			result = append(result, m)
		}
	}
	return result
}

// Receiver 单聊中对方的资料快照
func (c *Conversation) Receiver(viewerID string) *User {
	for i := range c.MemberPreviews {
		if c.MemberPreviews[i].ID != viewerID {
			u := c.MemberPreviews[i]
			return &u
		}
	}
	return nil
}

// Clone 深拷贝，避免 map/slice 在 store 内外共享
func (c Conversation) Clone() Conversation {
	out := c

	if c.Members != nil {
		out.Members = append([]string(nil), c.Members...)
	}
	if c.MemberPreviews != nil {
		out.MemberPreviews = append([]User(nil), c.MemberPreviews...)
	}
	if c.DeletedAt != nil {
		out.DeletedAt = make(map[string]time.Time, len(c.DeletedAt))
		for k, v := range c.DeletedAt {
			out.DeletedAt[k] = v
		}
	}
	if c.DeactivatedAt != nil {
		t := *c.DeactivatedAt
		out.DeactivatedAt = &t
	}
	out.UnreadCount = c.UnreadCount.Clone()

	return out
}

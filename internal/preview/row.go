// Package preview 把列表项渲染成会话列表行
package preview

import (
	"time"

	"sudooom.im.convsync/internal/composer"
	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/unread"
)

// DefaultAvatar 默认头像
const DefaultAvatar = "/avtDefault.png"

// 预览文案
const (
	selfPrefix = "你: "
	imageLabel = "发送了一张图片"
	videoLabel = "发送了一个视频"
	fileLabel  = "发送了一个文件"
)

// RowKind 行类型
type RowKind string

const (
	RowConversation RowKind = "conversation"
	RowUser         RowKind = "user"
)

// Row 列表行
type Row struct {
	Kind           RowKind `json:"kind"`
	ConversationID string  `json:"conversationId,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	IsGroup        bool    `json:"isGroup"`
	Title          string  `json:"title"`
	Subtitle       string  `json:"subtitle"` // 会话为最后一条消息，用户为邮箱
	Avatar         string  `json:"avatar"`
	Online         bool    `json:"online"`
	Unread         int     `json:"unread"`
	Badge          string  `json:"badge,omitempty"`
	TimeLabel      string  `json:"timeLabel,omitempty"`
	Selected       bool    `json:"selected"`
}

// Presence 在线状态查询
type Presence interface {
	IsOnline(userID string) bool
}

// Options 渲染参数
type Options struct {
	ViewerID   string
	SelectedID string
	Presence   Presence
	Now        time.Time
}

// RenderAll 渲染全部列表项
func RenderAll(items []composer.Item, opts Options) []Row {
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case composer.ItemUser:
			if it.User != nil {
				rows = append(rows, UserRow(it.User, opts))
			}
		default:
			if it.Conversation != nil {
				rows = append(rows, ConversationRow(it.Conversation, opts))
			}
		}
	}
	return rows
}

// ConversationRow 渲染会话行
func ConversationRow(conv *model.Conversation, opts Options) Row {
	title, avatar := DisplayName(conv, opts.ViewerID)
	count := unread.Get(conv, opts.ViewerID)

	row := Row{
		Kind:           RowConversation,
		ConversationID: conv.ID,
		IsGroup:        conv.IsGroup,
		Title:          title,
		Subtitle:       PreviewText(conv, opts.ViewerID),
		Avatar:         avatar,
		Online:         Online(conv, opts.ViewerID, opts.Presence),
		Unread:         count,
		Badge:          unread.Badge(count),
		Selected:       opts.SelectedID != "" && opts.SelectedID == conv.ID,
	}
	if !conv.UpdatedAt.IsZero() {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		row.TimeLabel = FormatUpdatedAt(conv.UpdatedAt, now)
	}
	return row
}

// UserRow 渲染邮箱搜索得到的用户行
func UserRow(u *model.User, opts Options) Row {
	avatar := u.Avatar
	if avatar == "" {
		avatar = DefaultAvatar
	}
	subtitle := u.Email
	if subtitle == "" {
		subtitle = u.Username
	}
	return Row{
		Kind:     RowUser,
		UserID:   u.ID,
		Title:    u.DisplayName(),
		Subtitle: subtitle,
		Avatar:   avatar,
		Online:   opts.Presence != nil && opts.Presence.IsOnline(u.ID),
	}
}

// DisplayName 会话名称和头像
// 群聊用群资料，单聊用对方的成员快照
func DisplayName(conv *model.Conversation, viewerID string) (name, avatar string) {
	if conv.IsGroup {
		name = conv.Name
		avatar = conv.Avatar
	} else if receiver := conv.Receiver(viewerID); receiver != nil {
		name = receiver.DisplayName()
		avatar = receiver.Avatar
	}
	if avatar == "" {
		avatar = DefaultAvatar
	}
	return name, avatar
}

// PreviewText 最后一条消息的预览文案
func PreviewText(conv *model.Conversation, viewerID string) string {
	if conv.LastMessageType == "" && conv.LastMessage == "" {
		return ""
	}

	prefix := ""
	if viewerID != "" && conv.LastMessageSenderID == viewerID {
		prefix = selfPrefix
	}

	switch conv.LastMessageType {
	case model.MessageTypeImage:
		return prefix + imageLabel
	case model.MessageTypeVideo:
		return prefix + videoLabel
	case model.MessageTypeFile:
		return prefix + fileLabel
	default:
		return prefix + conv.LastMessage
	}
}

// Online 在线标识
// 单聊看对方，群聊只要有其他成员在线即可
func Online(conv *model.Conversation, viewerID string, presence Presence) bool {
	if presence == nil {
		return false
	}
	if !conv.IsGroup {
		receiver := conv.Receiver(viewerID)
		return receiver != nil && receiver.ID != "" && presence.IsOnline(receiver.ID)
	}
	for _, m := range conv.OtherMembers(viewerID) {
		if presence.IsOnline(m) {
			return true
		}
	}
	return false
}

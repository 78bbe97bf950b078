// Package unread 读取和修改会话上的按用户未读数
package unread

import (
	"strconv"

	"sudooom.im.convsync/internal/model"
)

// BadgeCap 展示上限，超过显示 "99+"，存储值不截断
const BadgeCap = 99

// Get 获取用户未读数
// 映射存在时以映射为准；否则回退到旧版共享计数；都没有返回 0
func Get(conv *model.Conversation, userID string) int {
	if conv == nil {
		return 0
	}
	if conv.UnreadCount.PerUser != nil {
		n := conv.UnreadCount.PerUser[userID]
		if n < 0 {
			return 0
		}
		return n
	}
	if conv.UnreadCount.Legacy != nil && *conv.UnreadCount.Legacy > 0 {
		return *conv.UnreadCount.Legacy
	}
	return 0
}

// Set 返回设置了 userID 未读数的新会话，不修改入参，其他用户的计数保持不变
func Set(conv model.Conversation, userID string, count int) model.Conversation {
	out := conv.Clone()
	if count < 0 {
		count = 0
	}
	if out.UnreadCount.PerUser == nil {
		out.UnreadCount.PerUser = make(map[string]int, 1)
	}
	out.UnreadCount.PerUser[userID] = count
	return out
}

// Normalize 入库归一化：旧版共享计数归到 viewerID 名下，之后只保留映射形式
func Normalize(conv model.Conversation, viewerID string) model.Conversation {
	if conv.UnreadCount.Legacy == nil && conv.UnreadCount.PerUser != nil {
		return conv
	}

	out := conv.Clone()
	if out.UnreadCount.PerUser == nil {
		out.UnreadCount.PerUser = make(map[string]int, 1)
	}
	if out.UnreadCount.Legacy != nil {
		if _, ok := out.UnreadCount.PerUser[viewerID]; !ok && viewerID != "" {
			out.UnreadCount.PerUser[viewerID] = *out.UnreadCount.Legacy
		}
		out.UnreadCount.Legacy = nil
	}
	return out
}

// Badge 未读角标文案，0 不显示
func Badge(count int) string {
	if count <= 0 {
		return ""
	}
	if count > BadgeCap {
		return strconv.Itoa(BadgeCap) + "+"
	}
	return strconv.Itoa(count)
}

// Total 用户在所有会话上的未读总数
func Total(convs []model.Conversation, userID string) int {
	total := 0
	for i := range convs {
		total += Get(&convs[i], userID)
	}
	return total
}

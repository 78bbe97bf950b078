// Package visibility 决定会话在某个用户的列表中是否可见
package visibility

import "sudooom.im.convsync/internal/model"

// Visible 判断会话对 userID 是否可见
//
//  1. 用户没有删除标记 → 可见
//  2. 单聊且所有成员都有删除标记 → 隐藏
//  3. 删除标记早于 updatedAt（删除后有新活动）→ 可见
//  4. 其余 → 隐藏
func Visible(conv *model.Conversation, userID string) bool {
	if conv == nil {
		return false
	}

	deletedAt, ok := conv.DeletedAtFor(userID)
	if !ok {
		return true
	}

	if !conv.IsGroup && allMembersDeleted(conv) {
		return false
	}

	return deletedAt.Before(conv.UpdatedAt)
}

// Filter 返回对 userID 可见的会话，保持输入顺序，不修改入参
func Filter(convs []model.Conversation, userID string) []model.Conversation {
	result := make([]model.Conversation, 0, len(convs))
	for i := range convs {
		if Visible(&convs[i], userID) {
			result = append(result, convs[i])
		}
	}
	return result
}

func allMembersDeleted(conv *model.Conversation) bool {
	if len(conv.Members) == 0 {
		return false
	}
	for _, m := range conv.Members {
		if _, ok := conv.DeletedAtFor(m); !ok {
			return false
		}
	}
	return true
}

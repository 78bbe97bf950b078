package model

// User 用户资料（成员快照 / 邮箱搜索结果）
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Email    string `json:"email,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

// DisplayName 昵称优先，否则用户名
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// PresenceStatus 在线状态（只读，由 presence 服务刷新）
type PresenceStatus struct {
	IsOnline bool `json:"isOnline"`
}

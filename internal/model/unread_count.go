package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnreadCount 未读数
// 远端存在两种编码：旧版的单个共享整数，以及新版的 用户ID -> 未读数 映射。
// 入库时通过 unread.Normalize 统一为 PerUser 映射，下游逻辑只读 PerUser。
type UnreadCount struct {
	PerUser map[string]int // 用户ID -> 未读数
	Legacy  *int           // 旧版共享计数，归一化后为 nil
}

// NewUnreadCount 以映射形式创建
func NewUnreadCount(perUser map[string]int) UnreadCount {
	return UnreadCount{PerUser: perUser}
}

// Clone 深拷贝
func (u UnreadCount) Clone() UnreadCount {
	out := UnreadCount{}
	if u.PerUser != nil {
		out.PerUser = make(map[string]int, len(u.PerUser))
		for k, v := range u.PerUser {
			out.PerUser[k] = v
		}
	}
	if u.Legacy != nil {
		n := *u.Legacy
		out.Legacy = &n
	}
	return out
}

// MarshalJSON 优先输出映射形式
func (u UnreadCount) MarshalJSON() ([]byte, error) {
	if u.PerUser == nil && u.Legacy != nil {
		return json.Marshal(*u.Legacy)
	}
	if u.PerUser == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(u.PerUser)
}

// UnmarshalJSON 兼容数字和对象两种编码，负数按 0 处理
func (u *UnreadCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*u = UnreadCount{}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '{':
		var raw map[string]*float64
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		u.PerUser = make(map[string]int, len(raw))
		for userID, v := range raw {
			if v == nil {
				continue
			}
			u.PerUser[userID] = clampCount(*v)
		}
		return nil
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unreadCount: unsupported encoding %s: %w", string(data), err)
		}
		c := clampCount(n)
		u.Legacy = &c
		return nil
	}
}

func clampCount(v float64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}

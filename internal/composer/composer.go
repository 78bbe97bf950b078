// Package composer 根据搜索状态和本地会话生成展示列表
package composer

import (
	"regexp"
	"sort"
	"strings"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/visibility"
)

var emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)

// IsEmail 宽松的邮箱判断，用于决定走用户搜索还是会话搜索
func IsEmail(text string) bool {
	return emailPattern.MatchString(text)
}

// ItemKind 列表项类型
type ItemKind int

const (
	ItemConversation ItemKind = iota // 会话
	ItemUser                         // 按邮箱搜到的用户
)

// Item 列表项
type Item struct {
	Kind         ItemKind
	Conversation *model.Conversation
	User         *model.User
}

// Input 组装参数
type Input struct {
	SearchText    string
	SearchResults []model.Conversation
	UserResult    *model.User
	Conversations []model.Conversation // 本地全部会话，插入顺序
	ViewerID      string
}

// Compose 生成展示列表
//   - 邮箱搜索：只展示搜到的用户
//   - 文本搜索：原样展示远端搜索结果
//   - 无搜索：可见会话按 updatedAt 倒序
func Compose(in Input) []Item {
	text := strings.TrimSpace(in.SearchText)

	switch {
	case text != "" && IsEmail(text):
		if in.UserResult == nil {
			return []Item{}
		}
		u := *in.UserResult
		return []Item{{Kind: ItemUser, User: &u}}

	case text != "":
		return conversationItems(in.SearchResults)

	default:
		visible := visibility.Filter(in.Conversations, in.ViewerID)
		SortByUpdatedDesc(visible)
		return conversationItems(visible)
	}
}

// SortByUpdatedDesc 按 updatedAt 倒序，相同时间保持原顺序
func SortByUpdatedDesc(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

// FindDirect 查找 viewerID 与 userID 的单聊（对方是唯一的其他成员）
func FindDirect(convs []model.Conversation, viewerID, userID string) (model.Conversation, bool) {
	for i := range convs {
		if convs[i].IsGroup {
			continue
		}
		others := convs[i].OtherMembers(viewerID)
		if len(others) == 1 && others[0] == userID {
			return convs[i], true
		}
	}
	return model.Conversation{}, false
}

func conversationItems(convs []model.Conversation) []Item {
	items := make([]Item, 0, len(convs))
	for i := range convs {
		c := convs[i]
		items = append(items, Item{Kind: ItemConversation, Conversation: &c})
	}
	return items
}

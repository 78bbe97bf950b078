// Package store 当前用户的会话本地缓存
//
// 所有变更都经过这里列出的操作，读写均返回副本，调用方拿到的值不会与内部状态共享。
package store

import (
	"log/slog"
	"sync"
	"time"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/unread"
)

// Patch 部分更新，nil 字段表示不修改
type Patch struct {
	IsGroup             *bool
	Name                *string
	Avatar              *string
	Members             []string
	MemberPreviews      []model.User
	LastMessage         *string
	LastMessageType     *model.MessageType
	LastMessageSenderID *string
	UpdatedAt           *time.Time
	DeletedAt           map[string]time.Time
	UnreadCount         *model.UnreadCount
	DeactivatedAt       *time.Time
}

// IsEmpty 补丁是否不包含任何字段
func (p *Patch) IsEmpty() bool {
	return p.IsGroup == nil && p.Name == nil && p.Avatar == nil &&
		p.Members == nil && p.MemberPreviews == nil &&
		p.LastMessage == nil && p.LastMessageType == nil && p.LastMessageSenderID == nil &&
		p.UpdatedAt == nil && p.DeletedAt == nil && p.UnreadCount == nil && p.DeactivatedAt == nil
}

// apply 浅合并到 conv 上
func (p *Patch) apply(conv *model.Conversation) {
	if p.IsGroup != nil {
		conv.IsGroup = *p.IsGroup
	}
	if p.Name != nil {
		conv.Name = *p.Name
	}
	if p.Avatar != nil {
		conv.Avatar = *p.Avatar
	}
	if p.Members != nil {
		conv.Members = append([]string(nil), p.Members...)
	}
	if p.MemberPreviews != nil {
		conv.MemberPreviews = append([]model.User(nil), p.MemberPreviews...)
	}
	if p.LastMessage != nil {
		conv.LastMessage = *p.LastMessage
	}
	if p.LastMessageType != nil {
		conv.LastMessageType = *p.LastMessageType
	}
	if p.LastMessageSenderID != nil {
		conv.LastMessageSenderID = *p.LastMessageSenderID
	}
	if p.UpdatedAt != nil {
		conv.UpdatedAt = *p.UpdatedAt
	}
	if p.DeletedAt != nil {
		conv.DeletedAt = make(map[string]time.Time, len(p.DeletedAt))
		for k, v := range p.DeletedAt {
			conv.DeletedAt[k] = v
		}
	}
	if p.UnreadCount != nil {
		conv.UnreadCount = p.UnreadCount.Clone()
	}
	if p.DeactivatedAt != nil {
		t := *p.DeactivatedAt
		conv.DeactivatedAt = &t
	}
}

// Store 会话集合
// 保持插入顺序（排序时相同 updatedAt 按插入顺序）
type Store struct {
	mu       sync.RWMutex
	viewerID string
	convs    []model.Conversation
	index    map[string]int // conversationId -> convs 下标
	version  uint64

	obsMu     sync.Mutex
	observers map[uint64]func()
	nextObsID uint64

	logger *slog.Logger
}

// New 创建 viewerID 视角的会话集合
func New(viewerID string) *Store {
	return &Store{
		viewerID:  viewerID,
		index:     make(map[string]int),
		observers: make(map[uint64]func()),
		logger:    slog.Default().With("component", "ConversationStore"),
	}
}

// ViewerID 当前用户
func (s *Store) ViewerID() string {
	return s.viewerID
}

// ReplaceAll 整体替换（拉取全量后）
// 空 ID 的会话会被丢弃，重复 ID 保留第一条
func (s *Store) ReplaceAll(list []model.Conversation) {
	convs := make([]model.Conversation, 0, len(list))
	index := make(map[string]int, len(list))
	for i := range list {
		if list[i].ID == "" {
			continue
		}
		if _, ok := index[list[i].ID]; ok {
			continue
		}
		index[list[i].ID] = len(convs)
		convs = append(convs, unread.Normalize(list[i].Clone(), s.viewerID))
	}

	s.mu.Lock()
	s.convs = convs
	s.index = index
	s.version++
	s.mu.Unlock()

	s.logger.Debug("Replaced conversations", "count", len(convs))
	s.notify()
}

// UpsertByID 按 ID 合并补丁，ID 不存在时丢弃并返回 false
func (s *Store) UpsertByID(id string, patch Patch) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	patch.apply(&s.convs[i])
	if patch.UnreadCount != nil {
		s.convs[i] = unread.Normalize(s.convs[i], s.viewerID)
	}
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// InsertIfAbsent 不存在时追加，已存在返回 false
func (s *Store) InsertIfAbsent(conv model.Conversation) bool {
	if conv.ID == "" {
		return false
	}

	s.mu.Lock()
	if _, ok := s.index[conv.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.index[conv.ID] = len(s.convs)
	s.convs = append(s.convs, unread.Normalize(conv.Clone(), s.viewerID))
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// RemoveSoft 为 userID 打上删除标记，会话本身保留
func (s *Store) RemoveSoft(id, userID string, at time.Time) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	conv := s.convs[i].Clone()
	if conv.DeletedAt == nil {
		conv.DeletedAt = make(map[string]time.Time, 1)
	}
	conv.DeletedAt[userID] = at
	s.convs[i] = conv
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// SetUnread 只修改 userID 的未读数，其他用户保持不变
func (s *Store) SetUnread(id, userID string, count int) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.convs[i] = unread.Set(s.convs[i], userID, count)
	s.version++
	s.mu.Unlock()

	s.notify()
	return true
}

// FindByID 按 ID 查找
func (s *Store) FindByID(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return model.Conversation{}, false
	}
	return s.convs[i].Clone(), true
}

// FindByMember 返回 userID 参与的会话，按插入顺序
func (s *Store) FindByMember(userID string) []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Conversation
	for i := range s.convs {
		if s.convs[i].HasMember(userID) {
			result = append(result, s.convs[i].Clone())
		}
	}
	return result
}

// Snapshot 全部会话的副本，按插入顺序
func (s *Store) Snapshot() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Conversation, len(s.convs))
	for i := range s.convs {
		result[i] = s.convs[i].Clone()
	}
	return result
}

// Len 会话数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Version 每次变更递增
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe 注册变更回调，返回取消函数
// 回调在变更完成后同步调用，不持有锁
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.obsMu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sudooom.im.convsync/internal/composer"
	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/preview"
	"sudooom.im.convsync/internal/store"
	"sudooom.im.convsync/internal/unread"
	apperrors "sudooom.im.convsync/pkg/errors"
)

// RemoteAPI 远端会话接口
type RemoteAPI interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	SearchConversation(ctx context.Context, text string) ([]model.Conversation, error)
	SearchUserByEmail(ctx context.Context, email string) (*model.User, error)
	MarkConversationAsRead(ctx context.Context, conversationID string) error
	DeleteConversationForUser(ctx context.Context, conversationID string, deleteMessages bool) error
}

// SnapshotCache 会话列表快照
type SnapshotCache interface {
	Load(ctx context.Context, userID string) ([]model.Conversation, bool, error)
	Save(ctx context.Context, userID string, convs []model.Conversation) error
}

// 失败的操作
const (
	OpFetch    = "fetch"
	OpSearch   = "search"
	OpMarkRead = "markRead"
	OpDelete   = "delete"
)

// ErrorState 可重试的错误状态
type ErrorState struct {
	Op  string
	Err error
	At  time.Time
}

// SidebarOptions 可选依赖
type SidebarOptions struct {
	SearchDebounce time.Duration
	Presence       preview.Presence
	Cache          SnapshotCache
	Now            func() time.Time
}

// SidebarService 会话列表服务
// 对外提供选择、搜索、删除、刷新等操作，并组装展示视图
type SidebarService struct {
	store    *store.Store
	remote   RemoteAPI
	presence preview.Presence
	cache    SnapshotCache
	now      func() time.Time

	debouncer *Debouncer
	ctx       context.Context
	cancel    context.CancelFunc

	mu               sync.RWMutex
	selectedID       string
	selectedUser     *model.User
	pendingRecipient *model.User
	searchText       string
	searchResults    []model.Conversation
	userResult       *model.User
	searching        bool
	loading          bool
	loaded           bool // 快照或远端列表至少加载过一次
	lastErr          *ErrorState
	refreshFn        func(ctx context.Context) error

	logger *slog.Logger
}

// NewSidebarService 创建会话列表服务
func NewSidebarService(s *store.Store, remote RemoteAPI, opts SidebarOptions) *SidebarService {
	if opts.SearchDebounce <= 0 {
		opts.SearchDebounce = 300 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SidebarService{
		store:     s,
		remote:    remote,
		presence:  opts.Presence,
		cache:     opts.Cache,
		now:       opts.Now,
		debouncer: NewDebouncer(opts.SearchDebounce),
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default(),
	}
}

// ViewerID 当前用户
func (s *SidebarService) ViewerID() string {
	return s.store.ViewerID()
}

// Close 取消防抖中的搜索，中断进行中的搜索请求
func (s *SidebarService) Close() {
	s.debouncer.Stop()
	s.cancel()
}

// WarmStart 本地为空时用缓存快照填充列表
func (s *SidebarService) WarmStart(ctx context.Context) bool {
	if s.cache == nil || s.store.Len() > 0 {
		return false
	}
	convs, ok, err := s.cache.Load(ctx, s.ViewerID())
	if err != nil {
		s.logger.Warn("Failed to load conversation snapshot", "userId", s.ViewerID(), "error", err)
		return false
	}
	if !ok {
		return false
	}
	s.store.ReplaceAll(convs)
	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	s.logger.Info("Loaded conversation snapshot", "userId", s.ViewerID(), "count", len(convs))
	return true
}

// Refresh 拉取全量会话并替换本地集合
// 失败时保留本地集合，记录错误状态
func (s *SidebarService) Refresh(ctx context.Context) error {
	convs, err := s.Fetch(ctx)
	if err != nil {
		return err
	}
	s.Install(convs)

	if s.cache != nil {
		if err := s.cache.Save(ctx, s.ViewerID(), s.store.Snapshot()); err != nil {
			s.logger.Warn("Failed to save conversation snapshot", "userId", s.ViewerID(), "error", err)
		}
	}
	return nil
}

// Fetch 拉取全量会话，不修改本地集合
func (s *SidebarService) Fetch(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	convs, err := s.remote.FetchConversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		s.setErrorLocked(OpFetch, err)
		s.logger.Error("Failed to fetch conversations", "userId", s.ViewerID(), "error", err)
		return nil, wrapRemote(apperrors.ErrFetchFailed, err)
	}
	s.clearErrorLocked(OpFetch)
	return convs, nil
}

// Install 用拉取结果替换本地集合
func (s *SidebarService) Install(convs []model.Conversation) {
	s.store.ReplaceAll(convs)
	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
}

// Loaded 列表是否已加载
func (s *SidebarService) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// UseRefresh 指定 Retry 使用的刷新函数
func (s *SidebarService) UseRefresh(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.refreshFn = fn
	s.mu.Unlock()
}

// Retry 重试失败的列表加载
func (s *SidebarService) Retry(ctx context.Context) error {
	s.mu.Lock()
	s.lastErr = nil
	refresh := s.refreshFn
	s.mu.Unlock()

	if refresh == nil {
		refresh = s.Refresh
	}
	return refresh(ctx)
}

// Select 选择会话
// 未停用的会话先调用远端标记已读，成功后才把本地未读数清零
func (s *SidebarService) Select(ctx context.Context, conversationID string) error {
	conv, ok := s.store.FindByID(conversationID)
	if !ok {
		return apperrors.ErrConversationNotFound
	}

	s.mu.Lock()
	s.selectedID = conv.ID
	s.pendingRecipient = nil
	if conv.IsGroup {
		s.selectedUser = nil
	} else if receiver := conv.Receiver(s.ViewerID()); receiver != nil {
		s.selectedUser = receiver
	}
	s.mu.Unlock()

	if conv.IsDeactivated() {
		return nil
	}

	if err := s.remote.MarkConversationAsRead(ctx, conv.ID); err != nil {
		s.mu.Lock()
		s.setErrorLocked(OpMarkRead, err)
		s.mu.Unlock()
		s.logger.Warn("Failed to mark conversation as read", "conversationId", conv.ID, "error", err)
		return wrapRemote(apperrors.ErrMarkReadFailed, err)
	}

	s.store.SetUnread(conv.ID, s.ViewerID(), 0)

	s.mu.Lock()
	s.clearErrorLocked(OpMarkRead)
	s.mu.Unlock()
	return nil
}

// SelectUser 选择邮箱搜索得到的用户
// 已有单聊时选中该会话，否则把用户记为待创建会话的收件人
func (s *SidebarService) SelectUser(ctx context.Context, user model.User) (conversationID string, err error) {
	if user.ID == "" {
		return "", apperrors.ErrInvalidParams
	}

	if conv, ok := composer.FindDirect(s.store.Snapshot(), s.ViewerID(), user.ID); ok {
		return conv.ID, s.Select(ctx, conv.ID)
	}

	u := user
	s.mu.Lock()
	s.selectedID = ""
	s.selectedUser = &u
	s.pendingRecipient = &u
	s.mu.Unlock()
	return "", nil
}

// Search 更新搜索词，防抖后请求远端
func (s *SidebarService) Search(text string) {
	s.mu.Lock()
	s.searchText = text
	s.mu.Unlock()

	s.debouncer.Call(func() {
		_ = s.runSearch(s.ctx, text)
	})
}

// SearchNow 立即搜索，不经过防抖
func (s *SidebarService) SearchNow(ctx context.Context, text string) error {
	s.debouncer.Cancel()

	s.mu.Lock()
	s.searchText = text
	s.mu.Unlock()

	return s.runSearch(ctx, text)
}

// runSearch 执行搜索
// 结果返回时搜索词已变化则丢弃
func (s *SidebarService) runSearch(ctx context.Context, text string) error {
	query := strings.TrimSpace(text)
	if query == "" {
		s.mu.Lock()
		if s.searchText == text {
			s.userResult = nil
			s.searchResults = nil
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.searching = true
	s.mu.Unlock()

	var (
		user    *model.User
		results []model.Conversation
		err     error
	)
	isEmail := composer.IsEmail(query)
	if isEmail {
		user, err = s.remote.SearchUserByEmail(ctx, query)
	} else {
		results, err = s.remote.SearchConversation(ctx, query)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.searching = false

	if s.searchText != text {
		s.logger.Debug("Discarded stale search result", "text", text)
		return nil
	}

	if err != nil {
		s.userResult = nil
		s.setErrorLocked(OpSearch, err)
		s.logger.Warn("Search failed", "text", query, "error", err)
		return wrapRemote(apperrors.ErrSearchFailed, err)
	}
	s.clearErrorLocked(OpSearch)

	if isEmail {
		s.userResult = user
		return nil
	}
	s.userResult = nil
	s.searchResults = make([]model.Conversation, 0, len(results))
	for i := range results {
		s.searchResults = append(s.searchResults, unread.Normalize(results[i], s.ViewerID()))
	}
	return nil
}

// Delete 为当前用户隐藏会话，远端确认后才修改本地
func (s *SidebarService) Delete(ctx context.Context, conversationID string) error {
	if _, ok := s.store.FindByID(conversationID); !ok {
		return apperrors.ErrConversationNotFound
	}

	if err := s.remote.DeleteConversationForUser(ctx, conversationID, false); err != nil {
		s.mu.Lock()
		s.setErrorLocked(OpDelete, err)
		s.mu.Unlock()
		s.logger.Warn("Failed to delete conversation", "conversationId", conversationID, "error", err)
		return wrapRemote(apperrors.ErrDeleteFailed, err)
	}

	s.store.RemoveSoft(conversationID, s.ViewerID(), s.now())

	s.mu.Lock()
	s.clearErrorLocked(OpDelete)
	s.mu.Unlock()

	s.logger.Info("Conversation hidden", "conversationId", conversationID, "userId", s.ViewerID())
	return nil
}

// ErrorState 最近一次失败，没有失败返回 nil
func (s *SidebarService) ErrorState() *ErrorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return nil
	}
	e := *s.lastErr
	return &e
}

// MemberIDs 本地会话中除自己外的全部成员，用于刷新在线状态
func (s *SidebarService) MemberIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, conv := range s.store.Snapshot() {
		for _, m := range conv.OtherMembers(s.ViewerID()) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			ids = append(ids, m)
		}
	}
	return ids
}

// wrapRemote 已分类的错误（认证失败、远端不可用）原样返回
func wrapRemote(target *apperrors.AppError, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return target.Wrap(err)
}

func (s *SidebarService) setErrorLocked(op string, err error) {
	s.lastErr = &ErrorState{Op: op, Err: err, At: s.now()}
}

func (s *SidebarService) clearErrorLocked(op string) {
	if s.lastErr != nil && s.lastErr.Op == op {
		s.lastErr = nil
	}
}

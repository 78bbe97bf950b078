package service

import (
	"sudooom.im.convsync/internal/composer"
	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/preview"
	"sudooom.im.convsync/internal/unread"
	"sudooom.im.convsync/internal/visibility"
	apperrors "sudooom.im.convsync/pkg/errors"
)

// View 会话列表视图
type View struct {
	Rows                   []preview.Row `json:"rows"`
	SearchText             string        `json:"searchText"`
	SelectedConversationID string        `json:"selectedConversationId,omitempty"`
	SelectedUser           *model.User   `json:"selectedUser,omitempty"`
	PendingRecipient       *model.User   `json:"pendingRecipient,omitempty"`
	TotalUnread            int           `json:"totalUnread"`
	Loading                bool          `json:"loading"`
	Searching              bool          `json:"searching"`
	Error                  *ViewError    `json:"error,omitempty"`
	Version                uint64        `json:"version"`
}

// ViewError 视图中的错误状态，Retryable 表示可以调用重试
type ViewError struct {
	Op        string `json:"op"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// View 组装当前视图
func (s *SidebarService) View() View {
	version := s.store.Version()
	convs := s.store.Snapshot()

	s.mu.RLock()
	in := composer.Input{
		SearchText:    s.searchText,
		SearchResults: s.searchResults,
		UserResult:    s.userResult,
		Conversations: convs,
		ViewerID:      s.ViewerID(),
	}
	v := View{
		SearchText:             s.searchText,
		SelectedConversationID: s.selectedID,
		SelectedUser:           cloneUser(s.selectedUser),
		PendingRecipient:       cloneUser(s.pendingRecipient),
		Loading:                s.loading,
		Searching:              s.searching,
		Version:                version,
	}
	if s.lastErr != nil {
		appErr := opError(s.lastErr.Op)
		v.Error = &ViewError{
			Op:        s.lastErr.Op,
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: s.lastErr.Op == OpFetch,
		}
	}
	items := composer.Compose(in)
	s.mu.RUnlock()

	v.Rows = preview.RenderAll(items, preview.Options{
		ViewerID:   s.ViewerID(),
		SelectedID: v.SelectedConversationID,
		Presence:   s.presence,
		Now:        s.now(),
	})
	v.TotalUnread = unread.Total(visibility.Filter(convs, s.ViewerID()), s.ViewerID())
	return v
}

func opError(op string) *apperrors.AppError {
	switch op {
	case OpFetch:
		return apperrors.ErrFetchFailed
	case OpSearch:
		return apperrors.ErrSearchFailed
	case OpMarkRead:
		return apperrors.ErrMarkReadFailed
	case OpDelete:
		return apperrors.ErrDeleteFailed
	default:
		return apperrors.ErrServerError
	}
}

func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

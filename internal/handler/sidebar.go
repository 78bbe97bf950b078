package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.convsync/internal/model"
	"sudooom.im.convsync/internal/service"
	"sudooom.im.convsync/pkg/response"
)

// Sidebar 会话列表操作
type Sidebar interface {
	View() service.View
	Retry(ctx context.Context) error
	Select(ctx context.Context, conversationID string) error
	SelectUser(ctx context.Context, user model.User) (string, error)
	Search(text string)
	SearchNow(ctx context.Context, text string) error
	Delete(ctx context.Context, conversationID string) error
}

// SidebarHandler 会话列表处理器
type SidebarHandler struct {
	sidebar Sidebar
}

// NewSidebarHandler 创建会话列表处理器
func NewSidebarHandler(sidebar Sidebar) *SidebarHandler {
	return &SidebarHandler{sidebar: sidebar}
}

// SearchRequest 防抖搜索请求
type SearchRequest struct {
	Text string `json:"text"`
}

// SelectUserResponse 选择用户的结果，ConversationID 为空表示等待创建会话
type SelectUserResponse struct {
	ConversationID string       `json:"conversationId,omitempty"`
	View           service.View `json:"view"`
}

// GetView 获取当前视图
// GET /api/v1/conversations
func (h *SidebarHandler) GetView(c *gin.Context) {
	response.Success(c, h.sidebar.View())
}

// Refresh 重新拉取会话列表
// POST /api/v1/conversations/refresh
func (h *SidebarHandler) Refresh(c *gin.Context) {
	if err := h.sidebar.Retry(c.Request.Context()); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, h.sidebar.View())
}

// Select 选择会话
// POST /api/v1/conversations/:id/select
func (h *SidebarHandler) Select(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.InvalidParams(c, "conversation id is required")
		return
	}

	if err := h.sidebar.Select(c.Request.Context(), id); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, h.sidebar.View())
}

// Delete 为当前用户删除（隐藏）会话
// DELETE /api/v1/conversations/:id
func (h *SidebarHandler) Delete(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.InvalidParams(c, "conversation id is required")
		return
	}

	if err := h.sidebar.Delete(c.Request.Context(), id); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, h.sidebar.View())
}

// SelectUser 选择邮箱搜索得到的用户
// POST /api/v1/users/select
func (h *SidebarHandler) SelectUser(c *gin.Context) {
	var user model.User
	if err := c.ShouldBindJSON(&user); err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	if user.ID == "" {
		response.InvalidParams(c, "_id is required")
		return
	}

	conversationID, err := h.sidebar.SelectUser(c.Request.Context(), user)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, SelectUserResponse{
		ConversationID: conversationID,
		View:           h.sidebar.View(),
	})
}

// SearchNow 立即搜索并返回结果视图
// GET /api/v1/search?q=
func (h *SidebarHandler) SearchNow(c *gin.Context) {
	if err := h.sidebar.SearchNow(c.Request.Context(), c.Query("q")); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, h.sidebar.View())
}

// Search 防抖搜索，结果通过视图获取
// POST /api/v1/search
func (h *SidebarHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	h.sidebar.Search(req.Text)
	response.Accepted(c, nil)
}

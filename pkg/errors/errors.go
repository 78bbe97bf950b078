package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 同步引擎对外暴露的错误都使用该类型，包含错误码和用户可见的错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// 参数相关 11000-11999
	CodeInvalidParams = 11002

	// 会话相关 13000-13999
	CodeConversationNotFound = 13001
	CodeFetchFailed          = 13002
	CodeSearchFailed         = 13003
	CodeMarkReadFailed       = 13004
	CodeDeleteFailed         = 13005
	CodeMalformedEvent       = 13006
	CodeTransportClosed      = 13007

	// 系统错误 50000-50999
	CodeServerError       = 50001
	CodeDBError           = 50002
	CodeTooManyReqest     = 50003
	CodeRemoteUnavailable = 50004
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired = NewError(CodeTokenExpired, "Token 已过期")
)

// 参数相关
var (
	ErrInvalidParams = NewError(CodeInvalidParams, "参数校验失败")
)

// 会话相关
var (
	ErrConversationNotFound = NewError(CodeConversationNotFound, "会话不存在")
	ErrFetchFailed          = NewError(CodeFetchFailed, "加载会话列表失败")
	ErrSearchFailed         = NewError(CodeSearchFailed, "搜索失败")
	ErrMarkReadFailed       = NewError(CodeMarkReadFailed, "标记已读失败")
	ErrDeleteFailed         = NewError(CodeDeleteFailed, "删除会话失败")
	ErrMalformedEvent       = NewError(CodeMalformedEvent, "事件格式错误")
	ErrTransportClosed      = NewError(CodeTransportClosed, "推送通道已关闭")
)

// 系统相关
var (
	ErrServerError       = NewError(CodeServerError, "服务器内部错误")
	ErrDBError           = NewError(CodeDBError, "数据库错误")
	ErrTooManyRequest    = NewError(CodeTooManyReqest, "请求过于频繁，请稍后再试")
	ErrRemoteUnavailable = NewError(CodeRemoteUnavailable, "远程服务不可用")
)

package response

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.convsync/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Envelope 解码用的响应结构，Data 延迟解析
type Envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Accepted 已受理，结果稍后体现在视图中
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    apperrors.CodeSuccess,
		Message: "accepted",
		Data:    data,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(statusOf(err), Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// InvalidParams 参数错误
func InvalidParams(c *gin.Context, message string) {
	if message == "" {
		message = apperrors.ErrInvalidParams.Message
	}
	c.JSON(http.StatusBadRequest, Response{
		Code:    apperrors.CodeInvalidParams,
		Message: message,
		Data:    nil,
	})
}

// TooManyRequests 请求过多
func TooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, Response{
		Code:    apperrors.CodeTooManyReqest,
		Message: "请求过于频繁，请稍后再试",
		Data:    nil,
	})
}

// statusOf 错误码对应的 HTTP 状态
func statusOf(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodeTokenInvalid, apperrors.CodeTokenExpired:
		return http.StatusUnauthorized
	case apperrors.CodeInvalidParams:
		return http.StatusBadRequest
	case apperrors.CodeConversationNotFound:
		return http.StatusNotFound
	case apperrors.CodeTooManyReqest:
		return http.StatusTooManyRequests
	case apperrors.CodeFetchFailed, apperrors.CodeSearchFailed,
		apperrors.CodeMarkReadFailed, apperrors.CodeDeleteFailed,
		apperrors.CodeRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

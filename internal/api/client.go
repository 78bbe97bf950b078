// Package api 远端会话 HTTP 接口客户端
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"sudooom.im.convsync/internal/config"
	"sudooom.im.convsync/internal/model"
	apperrors "sudooom.im.convsync/pkg/errors"
	"sudooom.im.convsync/pkg/response"
	"sudooom.im.convsync/pkg/snowflake"
)

// HeaderRequestID 请求 ID 头
const HeaderRequestID = "X-Request-Id"

// StatusError 远端返回的非成功响应
type StatusError struct {
	Status  int    // HTTP 状态码
	Code    int    // 响应体中的业务错误码
	Message string // 响应体中的错误消息
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote status %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote status %d (code %d)", e.Status, e.Code)
}

// Retryable 5xx 和 429 可以重试
func (e *StatusError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client 远端会话接口
// 读请求失败时指数退避重试，全部请求经过熔断器
type Client struct {
	baseURL         *url.URL
	token           string
	http            *http.Client
	retryMaxElapsed time.Duration
	cb              *gobreaker.CircuitBreaker
	ids             *snowflake.Node
	logger          *slog.Logger
}

// NewClient 创建客户端
func NewClient(cfg config.RemoteConfig, token string, ids *snowflake.Node) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}

	logger := slog.Default().With("component", "RemoteAPI")

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-api",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Client{
		baseURL:         base,
		token:           token,
		http:            &http.Client{Transport: tr, Timeout: cfg.Timeout},
		retryMaxElapsed: cfg.RetryMaxElapsed,
		cb:              cb,
		ids:             ids,
		logger:          logger,
	}, nil
}

// FetchConversations 当前用户的全部会话
func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.doWithRetry(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SearchConversation 按文本搜索会话
func (c *Client) SearchConversation(ctx context.Context, text string) ([]model.Conversation, error) {
	var convs []model.Conversation
	q := url.Values{"q": []string{text}}
	if err := c.doWithRetry(ctx, http.MethodGet, "/conversations/search", q, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SearchUserByEmail 按邮箱查找用户，不存在返回 nil
func (c *Client) SearchUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user *model.User
	q := url.Values{"email": []string{email}}
	err := c.doWithRetry(ctx, http.MethodGet, "/users/search", q, &user)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if user == nil || user.ID == "" {
		return nil, nil
	}
	return user, nil
}

// MarkConversationAsRead 标记会话已读
func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, c.requestID())
}

// DeleteConversationForUser 为当前用户删除会话，deleteMessages 为 false 时只隐藏
func (c *Client) DeleteConversationForUser(ctx context.Context, conversationID string, deleteMessages bool) error {
	q := url.Values{"deleteMessages": []string{strconv.FormatBool(deleteMessages)}}
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), q, nil, c.requestID())
}

// State 熔断器状态
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

// doWithRetry 幂等读请求，可重试错误按指数退避重试
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	requestID := c.requestID()
	operation := func() error {
		err := c.do(ctx, method, path, query, out, requestID)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.retryMaxElapsed
	if b.MaxElapsedTime <= 0 {
		return c.do(ctx, method, path, query, out, requestID)
	}

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("Retrying remote request", "method", method, "path", path, "requestId", requestID, "wait", wait, "error", err)
	})
}

// do 经过熔断器发送一次请求
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}, requestID string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, out, requestID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrRemoteUnavailable.Wrap(err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, out interface{}, requestID string) error {
	u := *c.baseURL
	u.Path = u.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	c.logger.Debug("Remote request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"requestId", requestID,
		"duration", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		return apperrors.ErrTokenInvalid.Wrap(statusError(resp.StatusCode, body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, body)
	}
	return decode(resp.StatusCode, body, out)
}

// decode 解析响应体
// 带 code 字段的按 {code,message,data} 解析，否则整个响应体即数据
func decode(status int, body []byte, out interface{}) error {
	body = bytes.TrimSpace(body)
	if out == nil || len(body) == 0 {
		return nil
	}

	if body[0] == '{' {
		var env response.Envelope
		if err := json.Unmarshal(body, &env); err == nil && env.Code != nil {
			if *env.Code != apperrors.CodeSuccess {
				return &StatusError{Status: status, Code: *env.Code, Message: env.Message}
			}
			if len(env.Data) == 0 {
				return nil
			}
			return json.Unmarshal(env.Data, out)
		}
	}
	return json.Unmarshal(body, out)
}

func statusError(status int, body []byte) *StatusError {
	se := &StatusError{Status: status}
	var env response.Envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Code != nil {
			se.Code = *env.Code
		}
		se.Message = env.Message
	}
	return se
}

// retryable 网络错误、5xx、429 可以重试；熔断、认证和其他 4xx 不重试
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return true
}

func (c *Client) requestID() string {
	if c.ids == nil {
		return ""
	}
	return c.ids.Generate().String()
}

// Package session 当前登录用户
package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sudooom.im.convsync/internal/config"
	apperrors "sudooom.im.convsync/pkg/errors"
)

// userIDClaims 不同签发方使用的用户 ID 字段，按顺序查找
var userIDClaims = []string{"user_id", "userId", "id", "_id", "sub"}

// Session 当前用户的身份
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // 零值表示 Token 未声明过期时间
}

// Expired Token 是否已过期
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Resolve 确定当前用户
// 配置了用户 ID 时直接使用，否则从 Token 的 claims 中解析（不验证签名，签名由远端校验）
func Resolve(cfg config.UserConfig, now time.Time) (*Session, error) {
	token := strings.TrimSpace(strings.TrimPrefix(cfg.Token, "Bearer "))

	if cfg.ID != "" {
		s := &Session{UserID: cfg.ID, Token: token}
		if token != "" {
			if expiresAt, err := ParseTokenExpireTime(token); err == nil {
				s.ExpiresAt = expiresAt
			}
		}
		return s, nil
	}

	if token == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	claims, err := parseClaims(token)
	if err != nil {
		return nil, err
	}

	userID := userIDFromClaims(claims)
	if userID == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	s := &Session{UserID: userID, Token: token}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	if s.Expired(now) {
		return nil, apperrors.ErrTokenExpired
	}
	return s, nil
}

// ParseTokenExpireTime 解析 Token 获取过期时间（不验证签名）
func ParseTokenExpireTime(tokenString string) (time.Time, error) {
	claims, err := parseClaims(tokenString)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, apperrors.ErrTokenInvalid
	}
	return exp.Time, nil
}

func parseClaims(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	// 数字形式的雪花 ID 超出 float64 精度，按 json.Number 解析
	if _, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(tokenString, claims); err != nil {
		return nil, apperrors.ErrTokenInvalid.Wrap(err)
	}
	return claims, nil
}

// userIDFromClaims 字符串或数字形式的用户 ID
func userIDFromClaims(claims jwt.MapClaims) string {
	for _, key := range userIDClaims {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

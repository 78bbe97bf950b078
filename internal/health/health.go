package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusDisabled     = "disabled" // 当前配置未使用该组件
)

// Status 健康状态
type Status struct {
	NATS     string `json:"nats"`
	Redis    string `json:"redis"`
	Database string `json:"database"`
	Remote   string `json:"remote"` // 远端接口熔断器状态
	Loaded   bool   `json:"loaded"` // 会话列表是否已加载
}

// BreakerState 熔断器状态来源
type BreakerState interface {
	State() gobreaker.State
}

// Options 参与检查的组件，nil 表示未启用
type Options struct {
	NATS     *nats.Conn
	Redis    *redis.Client
	Database *pgxpool.Pool
	Remote   BreakerState
	Loaded   func() bool
}

// Checker 健康检查器
type Checker struct {
	nc          *nats.Conn
	redisClient *redis.Client
	db          *pgxpool.Pool
	remote      BreakerState
	loaded      func() bool
}

// NewChecker 创建健康检查器
func NewChecker(opts Options) *Checker {
	return &Checker{
		nc:          opts.NATS,
		redisClient: opts.Redis,
		db:          opts.Database,
		remote:      opts.Remote,
		loaded:      opts.Loaded,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		NATS:     StatusDisabled,
		Redis:    StatusDisabled,
		Database: StatusDisabled,
		Remote:   StatusDisabled,
	}

	// 检查 NATS
	if h.nc != nil {
		if h.nc.IsConnected() {
			status.NATS = StatusConnected
		} else {
			status.NATS = StatusDisconnected
		}
	}

	// 检查 Redis
	if h.redisClient != nil {
		redisCtx, redisCancel := context.WithTimeout(ctx, 2*time.Second)
		defer redisCancel()

		if err := h.redisClient.Ping(redisCtx).Err(); err == nil {
			status.Redis = StatusConnected
		} else {
			status.Redis = StatusDisconnected
		}
	}

	// 检查 PostgreSQL
	if h.db != nil {
		dbCtx, dbCancel := context.WithTimeout(ctx, 2*time.Second)
		defer dbCancel()

		if err := h.db.Ping(dbCtx); err == nil {
			status.Database = StatusConnected
		} else {
			status.Database = StatusDisconnected
		}
	}

	if h.remote != nil {
		status.Remote = h.remote.State().String()
	}

	status.Loaded = h.loaded == nil || h.loaded()
	return status
}

// healthy 所有启用的组件可用，且熔断器未打开
func (s *Status) healthy() bool {
	return s.NATS != StatusDisconnected &&
		s.Redis != StatusDisconnected &&
		s.Database != StatusDisconnected &&
		s.Remote != gobreaker.StateOpen.String()
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).healthy()
}

// IsReady 健康且会话列表已加载
func (h *Checker) IsReady(ctx context.Context) bool {
	status := h.Check(ctx)
	return status.healthy() && status.Loaded
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	writeStatus(w, status, status.healthy())
}

// ReadyHandler 就绪检查端点
func (h *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())
		writeStatus(w, status, status.healthy() && status.Loaded)
	})
}

func writeStatus(w http.ResponseWriter, status *Status, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

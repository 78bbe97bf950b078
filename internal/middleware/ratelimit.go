package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sudooom.im.convsync/pkg/response"
)

const (
	visitorIdleTimeout = 5 * time.Minute
	cleanupInterval    = time.Minute
)

// IPRateLimiter 按客户端 IP 的令牌桶限流
type IPRateLimiter struct {
	visitors sync.Map // ip -> *visitor
	rps      rate.Limit
	burst    int
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewIPRateLimiter 创建限流器并启动过期访客清理
func NewIPRateLimiter(requestsPerSecond, burst int) *IPRateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if burst <= 0 {
		burst = requestsPerSecond
	}
	l := &IPRateLimiter{
		rps:    rate.Limit(requestsPerSecond),
		burst:  burst,
		now:    time.Now,
		stop:   make(chan struct{}),
		logger: slog.Default().With("component", "RateLimiter"),
	}
	go l.cleanupVisitors()
	return l
}

// Allow 该 IP 是否还有令牌
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.getVisitor(ip).limiter.Allow()
}

func (l *IPRateLimiter) getVisitor(ip string) *visitor {
	now := l.now()
	if v, ok := l.visitors.Load(ip); ok {
		vi := v.(*visitor)
		vi.mu.Lock()
		vi.lastSeen = now
		vi.mu.Unlock()
		return vi
	}
	v, _ := l.visitors.LoadOrStore(ip, &visitor{
		limiter:  rate.NewLimiter(l.rps, l.burst),
		lastSeen: now,
	})
	return v.(*visitor)
}

func (l *IPRateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// evictIdle 移除长时间没有请求的访客
func (l *IPRateLimiter) evictIdle() int {
	cutoff := l.now().Add(-visitorIdleTimeout)
	evicted := 0
	l.visitors.Range(func(k, v interface{}) bool {
		vi := v.(*visitor)
		vi.mu.Lock()
		idle := vi.lastSeen.Before(cutoff)
		vi.mu.Unlock()
		if idle {
			l.visitors.Delete(k)
			evicted++
		}
		return true
	})
	return evicted
}

// Stop 停止清理协程
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Handler gin 中间件，超限返回 429
func (l *IPRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			l.logger.Warn("Rate limit exceeded", "ip", ip, "path", c.Request.URL.Path)
			response.TooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

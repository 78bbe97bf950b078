package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"sudooom.im.convsync/internal/api"
	"sudooom.im.convsync/internal/cache"
	"sudooom.im.convsync/internal/config"
	"sudooom.im.convsync/internal/handler"
	"sudooom.im.convsync/internal/health"
	"sudooom.im.convsync/internal/middleware"
	imNats "sudooom.im.convsync/internal/nats"
	"sudooom.im.convsync/internal/reconciler"
	"sudooom.im.convsync/internal/repository"
	"sudooom.im.convsync/internal/router"
	"sudooom.im.convsync/internal/service"
	"sudooom.im.convsync/internal/session"
	"sudooom.im.convsync/internal/store"
	"sudooom.im.convsync/internal/transport"
	"sudooom.im.convsync/internal/transport/memory"
	"sudooom.im.convsync/internal/transport/redisbus"
	"sudooom.im.convsync/pkg/snowflake"
)

func main() {
	// 加载配置
	cfg, err := config.Load(configPath())
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	// 当前用户
	sess, err := session.Resolve(cfg.User, time.Now())
	if err != nil {
		logger.Error("Failed to resolve session", "error", err)
		os.Exit(1)
	}
	logger.Info("Session resolved", "userId", sess.UserID, "expiresAt", sess.ExpiresAt)

	ids, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create id generator", "error", err)
		os.Exit(1)
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Redis，仅在线状态和快照使用时可降级
	redisClient := connectRedis(cfg.Redis)
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	redisErr := redisClient.Ping(pingCtx).Err()
	pingCancel()
	if redisErr != nil {
		if cfg.Transport.Driver == "redis" {
			logger.Error("Failed to connect to Redis", "error", redisErr)
			os.Exit(1)
		}
		logger.Warn("Redis unavailable, presence and snapshot disabled", "error", redisErr)
		redisClient = nil
	} else {
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())
	}

	// 远端数据源
	var (
		remote    service.RemoteAPI
		db        *pgxpool.Pool
		apiClient *api.Client
	)
	switch cfg.Remote.Driver {
	case "postgres":
		db, err = connectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		repo := repository.NewConversationRepository(db, sess.UserID)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare schema", "error", err)
			os.Exit(1)
		}
		remote = repo
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)
	default:
		apiClient, err = api.NewClient(cfg.Remote, sess.Token, ids)
		if err != nil {
			logger.Error("Failed to create remote client", "error", err)
			os.Exit(1)
		}
		remote = apiClient
		logger.Info("Using remote API", "baseUrl", cfg.Remote.BaseURL)
	}

	// 推送通道
	var natsConn *natsgo.Conn
	var bus transport.Bus
	switch cfg.Transport.Driver {
	case "redis":
		bus = redisbus.NewBus(redisClient, sess.UserID, cfg.Transport.BufferSize)
	case "memory":
		bus = memory.NewBus()
		logger.Warn("Using in-memory transport, no events will be received")
	default:
		natsClient, err := imNats.NewClient(cfg.NATS, cfg.App.Name+"-"+sess.UserID)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		natsConn = natsClient.Conn()
		bus = imNats.NewBus(natsConn, sess.UserID, cfg.Transport.BufferSize)
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	// 初始化服务
	convStore := store.New(sess.UserID)
	opts := service.SidebarOptions{SearchDebounce: cfg.Sync.SearchDebounce}
	var presence *service.PresenceService
	var snapshots *cache.SnapshotCache
	if redisClient != nil {
		presence = service.NewPresenceService(redisClient)
		snapshots = cache.NewSnapshotCache(redisClient, cfg.Sync.SnapshotTTL)
		opts.Presence = presence
		opts.Cache = snapshots
	}
	sidebar := service.NewSidebarService(convStore, remote, opts)
	defer sidebar.Close()

	sidebar.WarmStart(ctx)

	// 本地集合的变化延迟写回快照
	if snapshots != nil {
		saver := service.NewDebouncer(time.Second)
		defer saver.Stop()
		unsubscribe := convStore.Subscribe(func() {
			saver.Call(func() {
				if err := snapshots.Save(ctx, sess.UserID, convStore.Snapshot()); err != nil && ctx.Err() == nil {
					logger.Warn("Failed to save conversation snapshot", "error", err)
				}
			})
		})
		defer unsubscribe()
	}

	// 先订阅推送再拉取全量，拉取期间的事件在替换后重放
	rec := reconciler.New(bus, convStore, sidebar, reconciler.Config{
		QueueSize:      cfg.Transport.BufferSize,
		RefreshTimeout: cfg.Sync.RefreshTimeout,
	})
	if err := rec.Start(ctx); err != nil {
		logger.Error("Failed to start reconciler", "error", err)
		os.Exit(1)
	}
	sidebar.UseRefresh(rec.Refresh)

	refreshCtx, refreshCancel := context.WithTimeout(ctx, cfg.Sync.RefreshTimeout)
	if err := rec.Refresh(refreshCtx); err != nil {
		logger.Warn("Initial refresh failed, retry via API", "error", err)
	}
	refreshCancel()

	if presence != nil {
		go presence.Run(ctx, cfg.Sync.PresenceInterval, sidebar.MemberIDs)
	}

	// HTTP 服务
	healthOpts := health.Options{NATS: natsConn, Redis: redisClient, Database: db, Loaded: sidebar.Loaded}
	if apiClient != nil {
		healthOpts.Remote = apiClient
	}
	checker := health.NewChecker(healthOpts)

	var limiter *middleware.IPRateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = middleware.NewIPRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
		defer limiter.Stop()
	}

	engine := router.SetupRouter(cfg.Server, handler.NewSidebarHandler(sidebar), checker, limiter)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}
	go func() {
		logger.Info("HTTP server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("Conversation sync started", "name", cfg.App.Name, "userId", sess.UserID,
		"remote", cfg.Remote.Driver, "transport", cfg.Transport.Driver)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", "error", err)
	}
	if err := rec.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop reconciler", "error", err)
	}
	if err := bus.Close(); err != nil {
		logger.Error("Failed to close transport", "error", err)
	}
	cancel()
	logger.Info("Conversation sync stopped")
}

// configPath 配置文件路径，CONVSYNC_CONFIG 可覆盖
func configPath() string {
	return config.GetEnv("CONVSYNC_CONFIG", "configs/config.yaml")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

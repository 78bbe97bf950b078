package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	User      UserConfig      `mapstructure:"user"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Transport TransportConfig `mapstructure:"transport"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Server    ServerConfig    `mapstructure:"server"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"` // 雪花算法节点，用于请求 ID
}

// UserConfig 当前登录用户
// ID 为空时从 Token 的 claims 中解析
type UserConfig struct {
	ID    string `mapstructure:"id"`
	Token string `mapstructure:"token"`
}

// RemoteConfig 远端会话接口
type RemoteConfig struct {
	Driver          string        `mapstructure:"driver"` // http | postgres
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`      // 半开状态允许的请求数
	Interval         time.Duration `mapstructure:"interval"`          // 闭合状态计数清零周期
	Timeout          time.Duration `mapstructure:"timeout"`           // 打开状态持续时间
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 连续失败次数
}

// TransportConfig 推送通道
type TransportConfig struct {
	Driver     string `mapstructure:"driver"` // nats | redis | memory
	BufferSize int    `mapstructure:"buffer_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr Redis 地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// SyncConfig 同步行为
type SyncConfig struct {
	SearchDebounce   time.Duration `mapstructure:"search_debounce"`
	SnapshotTTL      time.Duration `mapstructure:"snapshot_ttl"`
	PresenceInterval time.Duration `mapstructure:"presence_interval"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout"`
}

type ServerConfig struct {
	Addr      string          `mapstructure:"addr"`
	Mode      string          `mapstructure:"mode"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	Burst             int  `mapstructure:"burst"`
}

// Load 从指定路径加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "convsync")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("remote.driver", "http")
	v.SetDefault("remote.base_url", "http://localhost:5000")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.retry_max_elapsed", 5*time.Second)
	v.SetDefault("remote.breaker.max_requests", 1)
	v.SetDefault("remote.breaker.interval", time.Minute)
	v.SetDefault("remote.breaker.timeout", 30*time.Second)
	v.SetDefault("remote.breaker.failure_threshold", 5)

	v.SetDefault("transport.driver", "nats")
	v.SetDefault("transport.buffer_size", 1024)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("sync.search_debounce", 300*time.Millisecond)
	v.SetDefault("sync.snapshot_ttl", 24*time.Hour)
	v.SetDefault("sync.presence_interval", 30*time.Second)
	v.SetDefault("sync.refresh_timeout", 15*time.Second)

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_second", 5)
	v.SetDefault("server.rate_limit.burst", 10)
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("CONVSYNC_LOG_LEVEL", c.App.LogLevel)

	// User
	c.User.ID = GetEnv("CONVSYNC_USER_ID", c.User.ID)
	c.User.Token = GetEnv("CONVSYNC_TOKEN", c.User.Token)

	// Remote
	c.Remote.Driver = GetEnv("CONVSYNC_REMOTE_DRIVER", c.Remote.Driver)
	c.Remote.BaseURL = GetEnv("CONVSYNC_REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Timeout = GetEnvDuration("CONVSYNC_REMOTE_TIMEOUT", c.Remote.Timeout)

	// Transport
	c.Transport.Driver = GetEnv("CONVSYNC_TRANSPORT_DRIVER", c.Transport.Driver)

	// NATS
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)

	// Database
	c.Database.Host = GetEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = GetEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = GetEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = GetEnv("POSTGRES_DB", c.Database.Name)

	// Redis
	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("REDIS_DB", c.Redis.DB)

	// Server
	c.Server.Addr = GetEnv("CONVSYNC_ADDR", c.Server.Addr)
	c.Server.Mode = GetEnv("GIN_MODE", c.Server.Mode)
}

// Validate 校验配置，驱动名统一为小写
func (c *Config) Validate() error {
	c.Remote.Driver = strings.ToLower(strings.TrimSpace(c.Remote.Driver))
	c.Transport.Driver = strings.ToLower(strings.TrimSpace(c.Transport.Driver))

	switch c.Remote.Driver {
	case "http", "postgres":
	default:
		return fmt.Errorf("unsupported remote driver: %q", c.Remote.Driver)
	}
	switch c.Transport.Driver {
	case "nats", "redis", "memory":
	default:
		return fmt.Errorf("unsupported transport driver: %q", c.Transport.Driver)
	}
	if c.User.ID == "" && c.User.Token == "" {
		return fmt.Errorf("user.id or user.token is required")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
user:
  id: "u1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u1", cfg.User.ID)
	assert.Equal(t, "http", cfg.Remote.Driver)
	assert.Equal(t, "http://localhost:5000", cfg.Remote.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, uint32(5), cfg.Remote.Breaker.FailureThreshold)
	assert.Equal(t, "nats", cfg.Transport.Driver)
	assert.Equal(t, 300*time.Millisecond, cfg.Sync.SearchDebounce)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
user:
  token: "abc"
remote:
  driver: postgres
  timeout: 3s
transport:
  driver: redis
database:
  host: db
  port: 5433
  name: im
  user: im
  password: secret
sync:
  search_debounce: 150ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Remote.Driver)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "redis", cfg.Transport.Driver)
	assert.Equal(t, 150*time.Millisecond, cfg.Sync.SearchDebounce)
	assert.Equal(t, "postgres://im:secret@db:5433/im?sslmode=disable", cfg.Database.DSN())
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
user:
  id: "from-file"
`)
	t.Setenv("CONVSYNC_USER_ID", "from-env")
	t.Setenv("CONVSYNC_REMOTE_TIMEOUT", "7s")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.User.ID)
	assert.Equal(t, 7*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing user",
			content: `app: {name: x}`,
		},
		{
			name: "unknown remote driver",
			content: `
user: {id: u1}
remote: {driver: grpc}
`,
		},
		{
			name: "unknown transport driver",
			content: `
user: {id: u1}
transport: {driver: kafka}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_DriverCaseInsensitive(t *testing.T) {
	path := writeConfig(t, `
user: {id: u1}
remote: {driver: " HTTP "}
transport: {driver: Memory}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Remote.Driver)
	assert.Equal(t, "memory", cfg.Transport.Driver)
}

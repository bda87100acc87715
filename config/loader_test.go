// 配置加载器测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  cors_allowed_origins: ["https://app.example.com"]

storage:
  type: redis
  cache_ttl: 30s

redis:
  addr: "redis:6379"
  key_prefix: "tf-test"

executor:
  workers: 4
  interrupt_timeout: 1h

stream:
  buffer_size: 64
  heartbeat_interval: 5s

workflow:
  sources: [web, news, papers]

auth:
  api_keys: [k1, k2]
  jwt:
    secret: "s3cret"
    issuer: "taskflow-test"

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, StorageRedis, cfg.Storage.Type)
	assert.Equal(t, StorageRedis, cfg.Storage.QueueBackend())
	assert.Equal(t, 30*time.Second, cfg.Storage.CacheTTL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "tf-test", cfg.Redis.KeyPrefix)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, time.Hour, cfg.Executor.InterruptTimeout)
	assert.Equal(t, 64, cfg.Stream.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, []string{"web", "news", "papers"}, cfg.Workflow.Sources)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.True(t, cfg.Auth.JWT.Enabled())
	assert.Equal(t, "taskflow-test", cfg.Auth.JWT.Issuer)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未在 YAML 中出现的字段保持默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, 256, cfg.Executor.QueueSize)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("TASKFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("TASKFLOW_STORAGE_TYPE", "database")
	t.Setenv("TASKFLOW_DATABASE_DRIVER", "sqlite")
	t.Setenv("TASKFLOW_DATABASE_NAME", "/tmp/taskflow.db")
	t.Setenv("TASKFLOW_EXECUTOR_WORKERS", "3")
	t.Setenv("TASKFLOW_EXECUTOR_STEP_TIMEOUT", "90s")
	t.Setenv("TASKFLOW_EXECUTOR_RECOVER_ON_START", "false")
	t.Setenv("TASKFLOW_RATE_LIMIT_RPS", "2.5")
	t.Setenv("TASKFLOW_AUTH_API_KEYS", "a, b,,c")
	t.Setenv("TASKFLOW_AUTH_JWT_SECRET", "env-secret")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, StorageDatabase, cfg.Storage.Type)
	assert.Equal(t, StorageMemory, cfg.Storage.QueueBackend())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/taskflow.db", cfg.Database.DSN())
	assert.Equal(t, 3, cfg.Executor.Workers)
	assert.Equal(t, 90*time.Second, cfg.Executor.StepTimeout)
	assert.False(t, cfg.Executor.RecoverOnStart)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Auth.APIKeys)
	assert.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  http_port: 8888
redis:
  addr: "yaml-redis:6379"
  key_prefix: "yaml"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("TASKFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("TASKFLOW_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "yaml", cfg.Redis.KeyPrefix)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("TASKFLOW_SERVER_HTTP_PORT", "5555")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("TASKFLOW_STREAM_HEARTBEAT_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASKFLOW_STREAM_HEARTBEAT_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	boom := errors.New("storage must be redis")
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Storage.Type != StorageRedis {
				return boom
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, boom)

	cfg, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "negative http port", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: "invalid HTTP port"},
		{name: "http port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{name: "port clash", modify: func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, wantErr: "must differ"},
		{name: "cert without key", modify: func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, wantErr: "set together"},
		{name: "unknown storage", modify: func(c *Config) { c.Storage.Type = "etcd" }, wantErr: "unknown storage type"},
		{
			name:    "bad database driver",
			modify:  func(c *Config) { c.Storage.Type = StorageDatabase; c.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{name: "unknown queue", modify: func(c *Config) { c.Storage.Queue = "kafka" }, wantErr: "unknown queue backend"},
		{
			name:    "mongo without uri",
			modify:  func(c *Config) { c.Storage.Type = StorageMongo; c.Mongo.URI = "" },
			wantErr: "mongo.uri",
		},
		{name: "no workers", modify: func(c *Config) { c.Executor.Workers = 0 }, wantErr: "executor.workers"},
		{name: "negative timeout", modify: func(c *Config) { c.Executor.InterruptTimeout = -time.Second }, wantErr: "timeouts"},
		{name: "zero buffer", modify: func(c *Config) { c.Stream.BufferSize = 0 }, wantErr: "buffer_size"},
		{name: "rate limit without rps", modify: func(c *Config) { c.RateLimit.RPS = 0 }, wantErr: "rate_limit"},
		{name: "rate limit disabled", modify: func(c *Config) { c.RateLimit = RateLimitConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "tf", SSLMode: "require"},
			want: "host=db port=5432 user=u password=p dbname=tf sslmode=require",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "tf"},
			want: "u:p@tcp(db:3306)/tf?parseTime=true",
		},
		{name: "sqlite", cfg: DatabaseConfig{Driver: "sqlite", Name: "file.db"}, want: "file.db"},
		{name: "unknown", cfg: DatabaseConfig{Driver: "oracle"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestMustLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8181\n"), 0644))
	assert.Equal(t, 8181, MustLoad(configPath).Server.HTTPPort)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{{{"), 0644))
	assert.Panics(t, func() { MustLoad(bad) })
}

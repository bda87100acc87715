package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, StorageConfig{}, cfg.Storage)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, StreamConfig{}, cfg.Stream)
	assert.NotEqual(t, WorkflowConfig{}, cfg.Workflow)
	assert.NotEqual(t, RateLimitConfig{}, cfg.RateLimit)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	// 流式连接不能有写超时
	assert.Zero(t, cfg.WriteTimeout)
	assert.Equal(t, 1024, cfg.MaxConnections)
}

func TestDefaultExecutorConfig(t *testing.T) {
	cfg := DefaultExecutorConfig()
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Zero(t, cfg.InterruptTimeout)
	assert.Equal(t, 10*time.Minute, cfg.InterruptRetention)
	assert.True(t, cfg.RecoverOnStart)
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig()
	assert.Equal(t, 256, cfg.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.MaxAppendRetries)
}

func TestStorageConfig_QueueBackend(t *testing.T) {
	assert.Equal(t, StorageMemory, StorageConfig{Type: StorageMemory}.QueueBackend())
	assert.Equal(t, StorageRedis, StorageConfig{Type: StorageRedis}.QueueBackend())
	assert.Equal(t, StorageMemory, StorageConfig{Type: StorageDatabase}.QueueBackend())
	assert.Equal(t, StorageRedis, StorageConfig{Type: StorageDatabase, Queue: StorageRedis}.QueueBackend())
}

func TestJWTConfig_Enabled(t *testing.T) {
	assert.False(t, JWTConfig{}.Enabled())
	assert.True(t, JWTConfig{Secret: "x"}.Enabled())
	assert.True(t, JWTConfig{PublicKey: "pem"}.Enabled())
}

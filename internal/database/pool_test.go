package database

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/config"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mock, gormDB
}

func TestNewPool_AppliesDatabaseConfig(t *testing.T) {
	_, gormDB := setupMockDB(t)

	cfg := config.DefaultDatabaseConfig()
	cfg.MaxOpenConns = 10
	cfg.HealthCheckInterval = 0

	pool, err := NewPool(gormDB, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, pool.DB())
	assert.Equal(t, 10, pool.sqlDB.Stats().MaxOpenConnections)
	assert.Equal(t, "database", pool.Name())
}

func TestNewPool_NilDB(t *testing.T) {
	_, err := NewPool(nil, config.DefaultDatabaseConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPool_Ping(t *testing.T) {
	mock, gormDB := setupMockDB(t)

	pool, err := NewPool(gormDB, config.DatabaseConfig{Driver: "postgres"}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, pool.Check(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pool.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_Close(t *testing.T) {
	mock, gormDB := setupMockDB(t)

	pool, err := NewPool(gormDB, config.DatabaseConfig{HealthCheckInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close(), "second close is a no-op")
	assert.ErrorIs(t, pool.Ping(context.Background()), ErrPoolClosed)
}

// 健康检查循环按配置周期 ping 并上报连接统计
func TestPool_HealthLoopReportsStats(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	for i := 0; i < 100; i++ {
		mock.ExpectPing()
	}

	pool, err := NewPool(gormDB, config.DatabaseConfig{MaxOpenConns: 3, HealthCheckInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = pool.Close()
	})

	var reports atomic.Int32
	var maxOpen atomic.Int32
	pool.SetStatsReporter(func(st sql.DBStats) {
		maxOpen.Store(int32(st.MaxOpenConnections))
		reports.Add(1)
	})

	assert.Eventually(t, func() bool { return reports.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), maxOpen.Load())
}

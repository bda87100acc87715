package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/config"
)

// ErrPoolClosed is returned by Ping after Close.
var ErrPoolClosed = errors.New("database pool is closed")

// pingTimeout bounds one periodic health ping.
const pingTimeout = 5 * time.Second

// Pool owns the connection pool shared by the task, event and checkpoint
// stores. It applies the configured limits and, when
// DatabaseConfig.HealthCheckInterval is set, pings the database and reports
// connection stats on that interval.
type Pool struct {
	db       *gorm.DB
	sqlDB    *sql.DB
	driver   string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	report func(sql.DBStats)
}

// NewPool applies cfg's pool limits to db. Zero limits keep the driver
// defaults.
func NewPool(db *gorm.DB, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	p := &Pool{
		db:       db,
		sqlDB:    sqlDB,
		driver:   cfg.Driver,
		interval: cfg.HealthCheckInterval,
		logger:   logger.With(zap.String("component", "db_pool"), zap.String("driver", cfg.Driver)),
		stopCh:   make(chan struct{}),
	}
	if p.interval > 0 {
		go p.healthCheckLoop()
	}

	p.logger.Info("database pool initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.Duration("health_check_interval", p.interval),
	)
	return p, nil
}

// DB returns the gorm handle the stores are built on.
func (p *Pool) DB() *gorm.DB { return p.db }

// Name 实现健康检查接口
func (p *Pool) Name() string { return "database" }

// Check 实现健康检查接口
func (p *Pool) Check(ctx context.Context) error { return p.Ping(ctx) }

// Ping checks the connection.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// SetStatsReporter 设置每轮健康检查后上报连接统计的回调
func (p *Pool) SetStatsReporter(fn func(sql.DBStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report = fn
}

// Close stops the health loop and closes the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.logger.Info("closing database pool")
	return p.sqlDB.Close()
}

func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		if err := p.Ping(ctx); err != nil {
			if !errors.Is(err, ErrPoolClosed) {
				p.logger.Error("database health check failed", zap.Error(err))
			}
		} else {
			p.reportStats()
		}
		cancel()
	}
}

func (p *Pool) reportStats() {
	p.mu.RLock()
	stats, report := p.sqlDB.Stats(), p.report
	p.mu.RUnlock()

	p.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
		zap.Int("idle", stats.Idle),
	)
	if report != nil {
		report(stats)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/api/handlers"
	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/internal/cache"
	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/internal/migration"
	"github.com/BaSui01/taskflow/queue"
	"github.com/BaSui01/taskflow/task"
)

// queueBlock 是 redis 队列一次 BRPOP 的阻塞时长
const queueBlock = time.Second

// =============================================================================
// 🗄️ 存储后端
// =============================================================================

// backends 汇总 storage.type 选出的各个存储，以及它们的健康检查与关闭顺序
type backends struct {
	tasks       task.Store
	events      event.Log
	checkpoints checkpoint.Store
	queue       queue.Queue

	// db 仅在 storage.type=database 时非空
	db *database.Pool

	checks  []handlers.HealthCheck
	closers []func(context.Context) error
}

// openBackends 按配置连接存储。任一步失败都会关闭已打开的连接。
//
//	memory   全部在进程内
//	redis    任务、事件、检查点都在 redis
//	database 任务、事件、检查点在 SQL 数据库（gorm）
//	mongo    事件、检查点在 MongoDB，任务在 redis（租约需要原子更新）
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	var (
		rdb      *redis.Client
		cacheMgr *cache.Manager
	)
	if needsRedis(cfg) {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cacheCfg.PoolSize = cfg.Redis.PoolSize
		cacheCfg.MinIdleConns = cfg.Redis.MinIdleConns
		cacheCfg.TLS = cfg.Redis.TLS
		if cfg.Storage.CacheTTL > 0 {
			cacheCfg.DefaultTTL = cfg.Storage.CacheTTL
		}
		mgr, cerr := cache.NewManager(cacheCfg, logger)
		if cerr != nil {
			return nil, fmt.Errorf("connect redis: %w", cerr)
		}
		b.closers = append(b.closers, func(context.Context) error { return mgr.Close() })
		b.checks = append(b.checks, mgr)
		cacheMgr, rdb = mgr, mgr.Client()
	}
	prefix := cfg.Redis.KeyPrefix

	switch cfg.Storage.Type {
	case config.StorageMemory:
		b.tasks = task.NewMemoryStore()
		b.events = event.NewMemoryLog()
		b.checkpoints = checkpoint.NewMemoryStore()

	case config.StorageRedis:
		b.tasks = task.NewRedisStore(rdb, prefix, logger)
		b.events = event.NewRedisLog(rdb, prefix)
		b.checkpoints = checkpoint.NewRedisStore(rdb, prefix, logger)

	case config.StorageDatabase:
		if err := openDatabase(ctx, cfg, logger, b); err != nil {
			return nil, err
		}

	case config.StorageMongo:
		if err := openMongo(ctx, cfg.Mongo, logger, b); err != nil {
			return nil, err
		}
		b.tasks = task.NewRedisStore(rdb, prefix, logger)

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	if cacheMgr != nil && cfg.Storage.CacheTTL > 0 {
		b.tasks = task.NewCachedStore(b.tasks, cacheMgr, cfg.Redis.KeyPrefix, cfg.Storage.CacheTTL, logger)
		logger.Info("task snapshot cache enabled", zap.Duration("ttl", cfg.Storage.CacheTTL))
	}

	switch cfg.Storage.QueueBackend() {
	case config.StorageRedis:
		b.queue = queue.NewRedisQueue(rdb, prefix+":queue", queueBlock, logger)
	default:
		b.queue = queue.NewMemoryQueue()
	}
	b.closers = append(b.closers, func(context.Context) error { return b.queue.Close() })

	return b, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Storage.Type == config.StorageRedis ||
		cfg.Storage.Type == config.StorageMongo ||
		cfg.Storage.QueueBackend() == config.StorageRedis ||
		cfg.Storage.CacheTTL > 0
}

// openDatabase 连接 SQL 数据库；auto_migrate 时先执行内嵌迁移
func openDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger, b *backends) error {
	if cfg.Storage.AutoMigrate {
		m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		upErr := m.Up(ctx)
		closeErr := m.Close()
		if err := errors.Join(upErr, closeErr); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPool(db, cfg.Database, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return err
	}
	b.closers = append(b.closers, func(context.Context) error { return pm.Close() })
	b.checks = append(b.checks, pm)
	b.db = pm

	b.tasks = task.NewGormStore(pm.DB(), logger)
	b.events = event.NewGormLog(pm.DB())
	b.checkpoints = checkpoint.NewGormStore(pm.DB(), logger)
	return nil
}

// openMongo 连接 MongoDB 并确保唯一索引存在
func openMongo(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger, b *backends) error {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts = opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	b.closers = append(b.closers, client.Disconnect)

	ping := func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
	if err := ping(ctx); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	b.checks = append(b.checks, handlers.NewCheckFunc("mongodb", ping))

	db := client.Database(cfg.Database)
	events := event.NewMongoLog(db)
	if err := events.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongo event indexes: %w", err)
	}
	cps := checkpoint.NewMongoStore(db, logger)
	if err := cps.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongo checkpoint indexes: %w", err)
	}
	b.events = events
	b.checkpoints = cps

	logger.Info("mongo connected", zap.String("database", cfg.Database))
	return nil
}

// Close 逆序关闭所有连接
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

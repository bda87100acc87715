package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/api/handlers"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/executor"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/pool"
	"github.com/BaSui01/taskflow/internal/server"
	"github.com/BaSui01/taskflow/internal/telemetry"
	"github.com/BaSui01/taskflow/stream"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/workflows/research"
)

// skipAuthPaths 不需要认证的探针与元数据端点
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 TaskFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	backends *backends
	engine   *engine.Engine

	// Handlers
	healthHandler *handlers.HealthHandler
	taskHandler   *handlers.TaskHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 连接存储、启动引擎并开始监听
func (s *Server) Start(ctx context.Context) error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("taskflow", s.logger)

	// 2. 存储后端
	b, err := openBackends(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open backends: %w", err)
	}
	s.backends = b
	if b.db != nil {
		driver := s.cfg.Database.Driver
		b.db.SetStatsReporter(func(st sql.DBStats) {
			s.metricsCollector.RecordDBConnections(driver, st.OpenConnections, st.Idle)
		})
	}

	// 3. 引擎与工作流
	if err := s.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 4. Handlers
	s.initHandlers()

	// 5. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initEngine(ctx context.Context) error {
	wf, err := research.New(research.Config{
		Sources:       s.cfg.Workflow.Sources,
		StepDelay:     s.cfg.Workflow.StepDelay,
		ChunkWords:    s.cfg.Workflow.ChunkWords,
		Model:         s.cfg.Workflow.Model,
		ReviewTimeout: s.cfg.Workflow.ReviewTimeout,
	}, nil, nil, s.logger)
	if err != nil {
		return err
	}

	bus := event.NewBus(s.backends.events, event.BusConfig{
		MaxAppendRetries: s.cfg.Stream.MaxAppendRetries,
		PollInterval:     s.cfg.Stream.PollInterval,
	}, s.logger, s.metricsCollector)

	gateway := stream.NewGateway(bus, stream.Config{
		BufferSize:        s.cfg.Stream.BufferSize,
		HeartbeatInterval: s.cfg.Stream.HeartbeatInterval,
		PollInterval:      s.cfg.Stream.PollInterval,
	}, s.logger, s.metricsCollector)

	engineCfg := engine.DefaultConfig()
	engineCfg.Pool = pool.GoroutinePoolConfig{
		MaxWorkers:  s.cfg.Executor.Workers,
		QueueSize:   s.cfg.Executor.QueueSize,
		IdleTimeout: engineCfg.Pool.IdleTimeout,
	}
	engineCfg.Executor = executor.Config{
		StepTimeout:      s.cfg.Executor.StepTimeout,
		InterruptTimeout: s.cfg.Executor.InterruptTimeout,
	}
	engineCfg.RecoverOnStart = s.cfg.Executor.RecoverOnStart
	engineCfg.RecoveryWindow = s.cfg.Executor.RecoveryWindow
	engineCfg.InterruptRetention = s.cfg.Executor.InterruptRetention

	s.engine = engine.New(engine.Deps{
		Registry:    task.NewRegistry(s.backends.tasks, s.logger, s.metricsCollector),
		Bus:         bus,
		Checkpoints: s.backends.checkpoints,
		Gateway:     gateway,
		Queue:       s.backends.queue,
		Graphs:      wf.Graphs(),
	}, engineCfg, s.logger, s.metricsCollector)

	return s.engine.Start(ctx)
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	for _, check := range s.backends.checks {
		s.healthHandler.RegisterCheck(check)
	}

	s.taskHandler = handlers.NewTaskHandler(s.engine, handlers.TaskHandlerConfig{
		OriginPatterns: originPatterns(s.cfg.Server.CORSAllowedOrigins),
	}, s.logger)

	s.logger.Info("Handlers initialized", zap.Int("health_checks", len(s.backends.checks)))
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(BuildTime, GitCommit))

	// 任务 API
	s.taskHandler.Register(mux)
	return mux
}

// buildHandler 构建中间件链
func (s *Server) buildHandler(ctx context.Context, mux http.Handler) http.Handler {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if len(s.cfg.Auth.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.cfg.Auth.AllowQueryAPIKey, s.logger))
	}
	if s.cfg.Auth.JWT.Enabled() {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth.JWT, skipAuthPaths, s.logger))
	}
	// 放在认证之后，才能按调用方限流
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares, RateLimiter(ctx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, skipAuthPaths, s.logger))
	}
	return Chain(mux, middlewares...)
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := s.buildHandler(rateLimiterCtx, s.routes())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConnections:  s.cfg.Server.MaxConnections,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭：先停止接收请求，再停引擎，最后断开存储
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. HTTP 服务器（WaitForShutdown 已关闭时为 no-op）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 引擎：停止取任务，等待运行中的步骤
	if s.engine != nil {
		if err := s.engine.Close(ctx); err != nil {
			s.logger.Error("Engine shutdown error", zap.Error(err))
		}
	}

	// 3. 存储连接
	if s.backends != nil {
		if err := s.backends.Close(ctx); err != nil {
			s.logger.Error("Backend shutdown error", zap.Error(err))
		}
	}

	// 4. Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 刷新遥测数据
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// originPatterns 把 CORS 来源转换为 WebSocket Origin 匹配模式（去掉协议）
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "" {
			continue
		}
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, o)
	}
	return out
}

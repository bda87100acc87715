// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record* 方法在 nil 接收者上为空操作，
// 组件可以在未配置指标时直接传入 nil。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// 事件与检查点指标
	eventsAppended     *prometheus.CounterVec
	sequenceConflicts  prometheus.Counter
	checkpointDuration prometheus.Histogram

	// 中断指标
	interruptsPending    prometheus.Gauge
	interruptResolutions *prometheus.CounterVec

	// 流指标
	streamSubscribers prometheus.Gauge
	streamDropped     prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器并注册到指定 Registry
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.tasksCreated = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_created_total",
		Help:      "Total number of tasks created",
	}, []string{"mode"})

	c.tasksFinished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks reaching a terminal status",
	}, []string{"status"})

	c.stepDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Workflow step duration in seconds",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"step", "outcome"})

	c.eventsAppended = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_appended_total",
		Help:      "Total number of task events appended",
	}, []string{"type"})

	c.sequenceConflicts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_sequence_conflicts_total",
		Help:      "Total number of event append sequence conflicts",
	})

	c.checkpointDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "checkpoint_save_duration_seconds",
		Help:      "Checkpoint save duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	c.interruptsPending = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interrupts_pending",
		Help:      "Number of unresolved interrupts",
	})

	c.interruptResolutions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interrupt_resolutions_total",
		Help:      "Total number of interrupt resolution attempts",
	}, []string{"kind", "outcome"})

	c.streamSubscribers = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Number of active stream subscribers",
	})

	c.streamDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_subscribers_dropped_total",
		Help:      "Total number of subscribers closed for falling behind",
	})

	c.dbConnectionsOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	}, []string{"database"})

	c.dbConnectionsIdle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	}, []string{"database"})

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📋 任务指标记录
// =============================================================================

// RecordTaskCreated 记录任务创建
func (c *Collector) RecordTaskCreated(mode string) {
	if c == nil {
		return
	}
	c.tasksCreated.WithLabelValues(mode).Inc()
}

// RecordTaskFinished 记录任务进入终态
func (c *Collector) RecordTaskFinished(status string) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(status).Inc()
}

// RecordStep 记录步骤执行
func (c *Collector) RecordStep(step, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// =============================================================================
// 📨 事件与检查点指标记录
// =============================================================================

// RecordEventAppended 记录事件追加
func (c *Collector) RecordEventAppended(eventType string) {
	if c == nil {
		return
	}
	c.eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordSequenceConflict 记录序号冲突
func (c *Collector) RecordSequenceConflict() {
	if c == nil {
		return
	}
	c.sequenceConflicts.Inc()
}

// RecordCheckpointSave 记录检查点保存耗时
func (c *Collector) RecordCheckpointSave(duration time.Duration) {
	if c == nil {
		return
	}
	c.checkpointDuration.Observe(duration.Seconds())
}

// =============================================================================
// ⏸️ 中断指标记录
// =============================================================================

// RecordInterruptOpened 记录新建中断
func (c *Collector) RecordInterruptOpened() {
	if c == nil {
		return
	}
	c.interruptsPending.Inc()
}

// RecordInterruptClosed 记录中断关闭（处理、超时或失效）
func (c *Collector) RecordInterruptClosed() {
	if c == nil {
		return
	}
	c.interruptsPending.Dec()
}

// RecordInterruptResolution 记录中断处理请求
func (c *Collector) RecordInterruptResolution(kind, outcome string) {
	if c == nil {
		return
	}
	c.interruptResolutions.WithLabelValues(kind, outcome).Inc()
}

// =============================================================================
// 📡 流指标记录
// =============================================================================

// RecordSubscriberOpened 记录订阅建立
func (c *Collector) RecordSubscriberOpened() {
	if c == nil {
		return
	}
	c.streamSubscribers.Inc()
}

// RecordSubscriberClosed 记录订阅关闭，dropped 表示因积压被关闭
func (c *Collector) RecordSubscriberClosed(dropped bool) {
	if c == nil {
		return
	}
	c.streamSubscribers.Dec()
	if dropped {
		c.streamDropped.Inc()
	}
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

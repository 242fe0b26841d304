package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal      *prometheus.CounterVec
	runsInProgress prometheus.Gauge
	runDuration    *prometheus.HistogramVec

	// 探索指标
	eventsSentTotal      *prometheus.CounterVec
	eventErrorsTotal     *prometheus.CounterVec
	statesDiscovered     *prometheus.CounterVec
	appRestartsTotal     *prometheus.CounterVec
	oracleRequestsTotal  *prometheus.CounterVec
	oracleLatency        prometheus.Histogram
	journalRecordsTotal  prometheus.Counter
	publishFailuresTotal prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "ui_explorer"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of exploration runs",
			},
			[]string{"status"}, // queued, running, completed, failed, cancelled
		),
		runsInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of exploration runs currently in progress",
			},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Exploration run duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"policy", "reason"},
		),

		eventsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_sent_total",
				Help:      "Total number of input events sent to devices",
			},
			[]string{"policy", "kind"},
		),
		eventErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of non-fatal errors in the exploration loop",
			},
			[]string{"policy"},
		),
		statesDiscovered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "states_discovered_total",
				Help:      "Total number of unique UI states discovered",
			},
			[]string{"package"},
		),
		appRestartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "app_restarts_total",
				Help:      "Total number of app start intents sent",
			},
			[]string{"package"},
		),
		oracleRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_requests_total",
				Help:      "Total number of decision oracle requests",
			},
			[]string{"status"}, // success, failure
		),
		oracleLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_request_duration_seconds",
				Help:      "Decision oracle latency in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		journalRecordsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_records_total",
				Help:      "Total number of task journal records written",
			},
		),
		publishFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total number of state notifications that could not be published",
			},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in queue",
			},
		),

		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"}, // operation: adb/oracle/db
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunQueued 记录运行入队
func (pm *PrometheusMetrics) RecordRunQueued() {
	pm.runsTotal.WithLabelValues("queued").Inc()
}

// RecordRunStarted 记录运行开始
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsTotal.WithLabelValues("running").Inc()
	pm.runsInProgress.Inc()
}

// RecordRunFinished 记录运行结束，status 为 completed/failed/cancelled
func (pm *PrometheusMetrics) RecordRunFinished(policy, status, reason string, duration time.Duration) {
	pm.runsTotal.WithLabelValues(status).Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues(policy, reason).Observe(duration.Seconds())
}

// RecordEvent 记录一次发送的事件
func (pm *PrometheusMetrics) RecordEvent(policy, kind string) {
	pm.eventsSentTotal.WithLabelValues(policy, kind).Inc()
}

// RecordEventErrors 记录循环中的非致命错误数
func (pm *PrometheusMetrics) RecordEventErrors(policy string, count int) {
	pm.eventErrorsTotal.WithLabelValues(policy).Add(float64(count))
}

// RecordStatesDiscovered 记录一次运行发现的唯一屏幕数
func (pm *PrometheusMetrics) RecordStatesDiscovered(pkg string, n int) {
	pm.statesDiscovered.WithLabelValues(pkg).Add(float64(n))
}

// RecordAppRestart 记录应用启动意图
func (pm *PrometheusMetrics) RecordAppRestart(pkg string) {
	pm.appRestartsTotal.WithLabelValues(pkg).Inc()
}

// RecordOracleRequest 记录一次决策请求
func (pm *PrometheusMetrics) RecordOracleRequest(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	pm.oracleRequestsTotal.WithLabelValues(status).Inc()
	pm.oracleLatency.Observe(duration.Seconds())
}

// RecordJournalRecord 记录决策日志写入
func (pm *PrometheusMetrics) RecordJournalRecord() {
	pm.journalRecordsTotal.Inc()
}

// RecordPublishFailure 记录状态通知发布失败
func (pm *PrometheusMetrics) RecordPublishFailure() {
	pm.publishFailuresTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

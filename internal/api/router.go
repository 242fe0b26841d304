package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/api/handlers"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/middleware"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/service"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// SetupRouter memMonitor、promMetrics、monitor 可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, runService service.ExplorationService, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics, monitor *handlers.RunMonitorHandler) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics", promMetrics.Handler())
	}

	// 内存监控端点
	if memMonitor != nil {
		r.GET("/debug/memory", memMonitor.StatsEndpoint())
	}

	// 实时推送
	if monitor != nil {
		r.GET("/ws/runs/:id", monitor.HandleWebSocket)
	}

	runHandler := handlers.NewRunHandler(runService, logger)

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		// 运行查询
		v1.GET("/runs", runHandler.ListRuns)
		v1.GET("/runs/:id", runHandler.GetRun)
		v1.GET("/runs/:id/states", runHandler.ListStates)
		v1.GET("/runs/:id/transitions", runHandler.ListTransitions)
		v1.GET("/runs/:id/journal", runHandler.ListJournal)
		v1.GET("/runs/:id/utg", runHandler.GetUTG)

		// 提交运行（配置了 api_token 时需要 Bearer 认证）
		v1.POST("/runs", middleware.TokenAuth(cfg.Server.APIToken), runHandler.CreateRun)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

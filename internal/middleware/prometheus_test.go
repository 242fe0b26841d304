package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 每个测试使用独立的 namespace 避免重复注册
	namespace := "test_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("20060102150405.000000000")
	namespace = strings.ReplaceAll(namespace, ".", "_")
	return NewPrometheusMetrics(logger, namespace)
}

func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/runs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/runs/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// 路由模板作为 path 标签
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/runs/:id", "200")))
}

func TestRunMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRunQueued()
	pm.RecordRunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runsInProgress))

	pm.RecordRunFinished("task", "completed", "finished", 2*time.Minute)
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.runsInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.runDuration))
}

func TestExplorationMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordEvent("dfs_greedy", "touch")
	pm.RecordEvent("dfs_greedy", "touch")
	pm.RecordEvent("dfs_greedy", "key")
	pm.RecordEventErrors("dfs_greedy", 3)
	pm.RecordStatesDiscovered("com.calm", 4)
	pm.RecordAppRestart("com.calm")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.eventsSentTotal.WithLabelValues("dfs_greedy", "touch")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.eventErrorsTotal.WithLabelValues("dfs_greedy")))
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.statesDiscovered.WithLabelValues("com.calm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.appRestartsTotal.WithLabelValues("com.calm")))
}

func TestOracleMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordOracleRequest(time.Second, nil)
	pm.RecordOracleRequest(2*time.Second, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.oracleRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.oracleRequestsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.oracleLatency))
}

func TestWorkerPoolStats(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.UpdateWorkerPoolStats(4, 2, 7)

	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workerPoolQueueSize))
}

func TestMemoryMonitor(t *testing.T) {
	pm := setupTestMetrics(t)
	m := NewMemoryMonitor(logrus.New(), pm, time.Millisecond)

	stats := m.Sample()
	assert.Greater(t, stats.Goroutines, 0)
	assert.Equal(t, stats, m.GetStats())
	assert.Equal(t, float64(stats.Goroutines), testutil.ToFloat64(pm.goroutinesCount))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	m.Run(ctx)
}

func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordJournalRecord()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "journal_records_total")
}

func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/runs", TokenAuth("s3cret-token"), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	open := gin.New()
	open.POST("/runs", TokenAuth(""), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret-token", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret-token", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest("POST", "/runs", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

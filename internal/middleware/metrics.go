package middleware

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 内存告警阈值 (MB)
const highMemoryMB = 1024

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// MemoryMonitor 定期采样进程内存，serve 模式下同步到 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration

	mu    sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建内存监控器，metrics 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

// Run 采样直到 ctx 取消
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 立即采样一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb":   stats.AllocMB,
			"sys_mb":     stats.SysMB,
			"goroutines": stats.Goroutines,
		}).Warn("High memory usage detected")
	}
	return stats
}

// GetStats 最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// StatsEndpoint 返回最近一次采样
func (m *MemoryMonitor) StatsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"memory": m.GetStats()})
	}
}

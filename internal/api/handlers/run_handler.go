package handlers

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/service"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/worker"
	"github.com/sirupsen/logrus"
)

// RunHandler 探索运行处理器
type RunHandler struct {
	runService service.ExplorationService
	logger     *logrus.Logger
}

// NewRunHandler 创建运行处理器实例
func NewRunHandler(runService service.ExplorationService, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runService: runService,
		logger:     logger,
	}
}

// ListRuns 获取运行列表
// GET /api/runs?page=1&page_size=20
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量
	if pageSize > 100 {
		pageSize = 100
	}

	runs, total, err := h.runService.ListRuns(c.Request.Context(), page, pageSize)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取运行列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun 获取运行详情
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.runService.GetRun(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to get run")
		c.JSON(http.StatusNotFound, gin.H{
			"error": "运行不存在",
		})
		return
	}

	c.JSON(http.StatusOK, run)
}

// CreateRun 提交探索运行
// POST /api/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req domain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "请求格式错误: " + err.Error(),
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	run, err := h.runService.Submit(c.Request.Context(), &req)
	if err != nil {
		h.logger.WithError(err).WithField("package", req.App.Package).Error("Failed to submit run")
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error": "提交运行失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// ListStates 运行中发现的屏幕
// GET /api/runs/:id/states
func (h *RunHandler) ListStates(c *gin.Context) {
	runID := c.Param("id")
	states, err := h.runService.ListStates(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to list states")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取屏幕列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "states": states, "total": len(states)})
}

// ListTransitions 运行中的屏幕跳转
// GET /api/runs/:id/transitions
func (h *RunHandler) ListTransitions(c *gin.Context) {
	runID := c.Param("id")
	transitions, err := h.runService.ListTransitions(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to list transitions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取跳转列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "transitions": transitions, "total": len(transitions)})
}

// ListJournal 任务策略的决策记录
// GET /api/runs/:id/journal
func (h *RunHandler) ListJournal(c *gin.Context) {
	runID := c.Param("id")
	records, err := h.runService.ListJournal(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to list journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取决策记录失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "records": records, "total": len(records)})
}

// GetUTG 下载迁移图
// GET /api/runs/:id/utg
func (h *RunHandler) GetUTG(c *gin.Context) {
	runID := c.Param("id")
	path := h.runService.UTGPath(runID)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "迁移图不存在"})
		return
	}
	c.Header("Content-Type", "application/json")
	c.File(path)
}

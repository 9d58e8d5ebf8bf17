package handler

import (
	"net/http"

	"runlog/internal/model"
	"runlog/internal/service"

	"github.com/gin-gonic/gin"
)

type RunHandler struct {
	runs    *service.RunStore
	logs    *service.LogStore
	resumer *service.ResumeResolver
}

func NewRunHandler(runs *service.RunStore, logs *service.LogStore, resumer *service.ResumeResolver) *RunHandler {
	return &RunHandler{runs: runs, logs: logs, resumer: resumer}
}

// CreateRun 创建 run
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req service.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	run, err := h.runs.CreateRun(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"run": run,
	})
}

// ListRuns 列出 run，status 可重复，"-" 前缀表示排除
func (h *RunHandler) ListRuns(c *gin.Context) {
	runs, err := h.runs.ListRuns(c.Request.Context(), service.RunFilter{
		Status:         c.QueryArray("status"),
		ExperimentName: c.Query("experimentName"),
		RunName:        c.Query("runName"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs": runs,
	})
}

// GetResumableRuns 查询可恢复的 run 及恢复点
func (h *RunHandler) GetResumableRuns(c *gin.Context) {
	runs, err := h.resumer.GetResumableRuns(c.Request.Context(), service.ResumableFilter{
		ExperimentName: c.Query("experimentName"),
		RunName:        c.Query("runName"),
		LogTypes:       queryList(c, "resumableLogTypes"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs": runs,
	})
}

// GetRun 获取 run 及每种日志类型的统计
func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	run, err := h.runs.GetRunByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	summary, err := h.logs.GetLogSummary(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":  run,
		"logs": summary,
	})
}

// UpdateRun 修改 run 状态；恢复时 runStatus=running 并带 resumeFrom
func (h *RunHandler) UpdateRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	var req struct {
		RunStatus  model.RunStatus `json:"runStatus" binding:"required"`
		ResumeFrom *int            `json:"resumeFrom"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	run, err := h.runs.SetRunStatus(c.Request.Context(), id, req.RunStatus, req.ResumeFrom)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run": run,
	})
}

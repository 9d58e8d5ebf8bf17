package handler

import (
	"encoding/json"
	"net/http"

	"runlog/internal/apperr"
	"runlog/internal/ctxlog"
	"runlog/internal/service"

	"github.com/gin-gonic/gin"
)

type LogHandler struct {
	logs     *service.LogStore
	exporter *service.Exporter
}

func NewLogHandler(logs *service.LogStore, exporter *service.Exporter) *LogHandler {
	return &LogHandler{logs: logs, exporter: exporter}
}

// PostLogs 追加一批日志，整批成功或失败，不返回逐条结果
func (h *LogHandler) PostLogs(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	// 值保持原始 JSON，大整数不经过 float64
	var req struct {
		Logs []struct {
			Number int                        `json:"number"`
			Type   string                     `json:"type"`
			Values map[string]json.RawMessage `json:"values"`
		} `json:"logs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	logs := make([]service.LogInput, 0, len(req.Logs))
	for _, l := range req.Logs {
		values := make(map[string]any, len(l.Values))
		for name, raw := range l.Values {
			values[name] = raw
		}
		logs = append(logs, service.LogInput{Number: l.Number, Type: l.Type, Values: values})
	}

	if err := h.logs.AppendLogs(c.Request.Context(), id, logs); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{})
}

// ExportLogs 导出可见日志，format=json（默认）或 csv
func (h *LogHandler) ExportLogs(c *gin.Context) {
	format := service.ExportFormat(c.DefaultQuery("format", string(service.FormatJSON)))
	switch format {
	case service.FormatJSON:
		c.Header("Content-Type", "application/json; charset=utf-8")
	case service.FormatCSV:
		c.Header("Content-Type", "text/csv; charset=utf-8")
	default:
		respondError(c, apperr.New(apperr.InvalidRequest, "不支持的导出格式 %q", format))
		return
	}

	c.Status(http.StatusOK)
	if err := h.exporter.Export(c.Request.Context(), c.Writer, format, logFilter(c)); err != nil {
		// 已经开始写响应体，只能记录
		ctxlog.FromContext(c.Request.Context()).Error("export failed", "err", err)
	}
}

// GetLogValueNames 匹配日志中出现过的值名称
func (h *LogHandler) GetLogValueNames(c *gin.Context) {
	names, err := h.logs.GetLogValueNames(c.Request.Context(), logFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"names": names,
	})
}

func logFilter(c *gin.Context) service.LogFilter {
	return service.LogFilter{
		ExperimentName: c.Query("experimentName"),
		RunName:        c.Query("runName"),
		Type:           c.Query("type"),
	}
}

package router

import (
	"log/slog"
	"net/http"
	"time"

	"runlog/internal/ctxlog"
	"runlog/internal/handler"
	"runlog/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

func SetupRouter(svc *service.ServiceContext, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, X-Request-ID, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	runHandler := handler.NewRunHandler(svc.RunStore, svc.LogStore, svc.ResumeResolver)
	logHandler := handler.NewLogHandler(svc.LogStore, svc.Exporter)
	experimentHandler := handler.NewExperimentHandler(svc.RunStore)

	api := r.Group("/api")
	{
		// 实验
		experiments := api.Group("/experiments")
		{
			experiments.POST("", experimentHandler.CreateExperiment)
			experiments.GET("/:name", experimentHandler.GetExperiment)
		}

		// run 与日志写入
		runs := api.Group("/runs")
		{
			runs.POST("", runHandler.CreateRun)
			runs.GET("", runHandler.ListRuns)
			runs.GET("/resumable", runHandler.GetResumableRuns)
			runs.GET("/:id", runHandler.GetRun)
			runs.PATCH("/:id", runHandler.UpdateRun)
			runs.POST("/:id/logs", logHandler.PostLogs)
		}

		// 导出
		logs := api.Group("/logs")
		{
			logs.GET("", logHandler.ExportLogs)
			logs.GET("/value-names", logHandler.GetLogValueNames)
		}
	}

	return r
}

// requestLogger 为每个请求分配 request id，把带 request id 的 logger 放进 context，并记录一行访问日志
func requestLogger(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)

		logger := base.With("request_id", requestID)
		c.Request = c.Request.WithContext(ctxlog.WithLogger(c.Request.Context(), logger))

		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

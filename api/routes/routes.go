package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/book-translator/api/handlers"
	"github.com/feichai0017/book-translator/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	// 全局中间件
	r.Use(middleware.CORS())

	// API 版本组
	v1 := r.Group("/api/v1")

	// 翻译任务路由组
	runs := v1.Group("/runs")
	{
		runs.POST("", h.Run.CreateRun)
		runs.GET("/:runId/status", h.Run.GetStatus)
		runs.POST("/:runId/resume", h.Run.ResumeRun)
		runs.POST("/:runId/confirm", h.Run.ConfirmCheckpoint)
		runs.POST("/:runId/stop", h.Run.StopRun)
		runs.DELETE("/:runId", h.Run.ResetRun)
		runs.GET("/:runId/download", h.Run.DownloadResults)
		runs.POST("/:runId/archive", h.Run.ArchiveResults)
	}

	// 批量作业路由组
	batch := v1.Group("/batch")
	{
		batch.POST("", h.Batch.SubmitBatch)
		batch.GET("/:runId/status", h.Batch.GetStatus)
		batch.POST("/:runId/reconcile", h.Batch.Reconcile)
	}

	// 全局页面统计
	v1.GET("/failures", h.Run.GetFailures)
	v1.GET("/review", h.Run.GetReview)
	v1.GET("/pages/:pageId", h.Run.GetPage)
	v1.GET("/stats", h.Run.GetStats)
}

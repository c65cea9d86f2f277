package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/book-translator/internal/service/run"
	"github.com/feichai0017/book-translator/pkg/logger"
)

type RunHandler struct {
	service run.Service
	logger  logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewRunHandler(service run.Service, logger logger.Logger) *RunHandler {
	return &RunHandler{
		service: service,
		logger:  logger,
	}
}

// CreateRun 创建翻译任务
// Pages come either as a "pages" file list or as a single "book" zip.
func (h *RunHandler) CreateRun(c *gin.Context) {
	verify := c.DefaultPostForm("verify", "false") == "true"

	if file, header, err := c.Request.FormFile("book"); err == nil {
		defer file.Close()
		info, err := h.service.CreateRunFromZip(c.Request.Context(), file, header, verify)
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to create run", err)
			return
		}
		c.JSON(http.StatusOK, info)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}
	files := form.File["pages"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No pages provided", nil)
		return
	}

	info, err := h.service.CreateRun(c.Request.Context(), files, verify)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Failed to create run", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetStatus 获取任务状态
func (h *RunHandler) GetStatus(c *gin.Context) {
	runID := c.Param("runId")

	state, err := h.service.RunStatus(c.Request.Context(), runID)
	if err != nil {
		h.handleError(c, http.StatusNotFound, "Failed to get run status", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ResumeRun 恢复暂停的任务
func (h *RunHandler) ResumeRun(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.service.ResumeRun(c.Request.Context(), runID); err != nil {
		h.handleError(c, http.StatusConflict, "Failed to resume run", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Run resumed", "runId": runID})
}

// ConfirmCheckpoint 确认检查点并继续
func (h *RunHandler) ConfirmCheckpoint(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.service.ConfirmCheckpoint(c.Request.Context(), runID); err != nil {
		h.handleError(c, http.StatusConflict, "Failed to confirm checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Checkpoint confirmed", "runId": runID})
}

// StopRun 停止暂停中的任务
func (h *RunHandler) StopRun(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.service.StopRun(c.Request.Context(), runID); err != nil {
		h.handleError(c, http.StatusConflict, "Failed to stop run", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Run stopped", "runId": runID})
}

// ResetRun 重置任务并清理工作目录
func (h *RunHandler) ResetRun(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.service.ResetRun(c.Request.Context(), runID); err != nil {
		h.handleError(c, http.StatusConflict, "Failed to reset run", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Run reset", "runId": runID})
}

// DownloadResults 下载结果压缩包
func (h *RunHandler) DownloadResults(c *gin.Context) {
	runID := c.Param("runId")

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=translated_%s.zip", runID))

	if err := h.service.ExportArchive(c.Request.Context(), runID, c.Writer); err != nil {
		// headers may already be sent; log and surface what we can
		if !c.Writer.Written() {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "in progress") {
				status = http.StatusConflict
			}
			h.handleError(c, status, "Failed to export results", err)
			return
		}
		h.logger.Error("Archive streaming aborted",
			logger.String("runId", runID), logger.Error(err))
	}
}

// ArchiveResults 将结果归档到对象存储
func (h *RunHandler) ArchiveResults(c *gin.Context) {
	runID := c.Param("runId")

	key, err := h.service.PersistArchive(c.Request.Context(), runID)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to archive results", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Results archived", "runId": runID, "key": key})
}

// GetFailures 列出失败页面
func (h *RunHandler) GetFailures(c *gin.Context) {
	failures, err := h.service.Failures(c.Request.Context())
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to list failures", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

// GetReview 列出待人工复核的页面
func (h *RunHandler) GetReview(c *gin.Context) {
	pages, err := h.service.Review(c.Request.Context())
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to list review pages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages, "count": len(pages)})
}

// GetPage 查询单页处理记录
func (h *RunHandler) GetPage(c *gin.Context) {
	pageID, err := strconv.ParseInt(c.Param("pageId"), 10, 64)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid page id", err)
		return
	}

	page, err := h.service.PageDetail(c.Request.Context(), pageID)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get page", err)
		return
	}
	if page == nil {
		h.handleError(c, http.StatusNotFound, "Page not found", nil)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetStats 页面处理统计
func (h *RunHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleError 统一错误处理
func (h *RunHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}

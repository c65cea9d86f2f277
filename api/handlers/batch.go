package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/book-translator/internal/service/run"
	"github.com/feichai0017/book-translator/pkg/logger"
)

type BatchHandler struct {
	service run.Service
	logger  logger.Logger
}

func NewBatchHandler(service run.Service, logger logger.Logger) *BatchHandler {
	return &BatchHandler{
		service: service,
		logger:  logger,
	}
}

// SubmitBatch 提交批量翻译作业
func (h *BatchHandler) SubmitBatch(c *gin.Context) {
	verify := c.DefaultPostForm("verify", "false") == "true"

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

	info, err := h.service.SubmitBatch(c.Request.Context(), files, verify)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Failed to submit batch", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetStatus 查询批量作业状态
func (h *BatchHandler) GetStatus(c *gin.Context) {
	runID := c.Param("runId")

	info, err := h.service.BatchStatus(c.Request.Context(), runID)
	if err != nil {
		h.handleError(c, http.StatusNotFound, "Failed to get batch status", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Reconcile 回收已完成批量作业的结果
func (h *BatchHandler) Reconcile(c *gin.Context) {
	runID := c.Param("runId")

	if err := h.service.RequestReconcile(c.Request.Context(), runID); err != nil {
		h.handleError(c, http.StatusConflict, "Failed to start reconciliation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Reconciliation started", "runId": runID})
}

func (h *BatchHandler) handleError(c *gin.Context, status int, message string, err error) {
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

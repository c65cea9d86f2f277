package handlers

import (
	"github.com/feichai0017/book-translator/internal/service/run"
	"github.com/feichai0017/book-translator/pkg/logger"
)

type Handlers struct {
	Run   *RunHandler
	Batch *BatchHandler
}

func NewHandlers(
	runService run.Service,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Run:   NewRunHandler(runService, logger),
		Batch: NewBatchHandler(runService, logger),
	}
}

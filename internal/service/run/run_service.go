package run

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/feichai0017/book-translator/internal/batchapi"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/pkg/queue"
)

// RunInfo is what the API returns when a run is created.
type RunInfo struct {
	RunID            string `json:"runId"`
	Status           string `json:"status"`
	TotalPages       int    `json:"totalPages"`
	EstimatedSeconds int    `json:"estimatedSeconds"`
	BatchJobID       string `json:"batchJobId,omitempty"`
}

// BatchInfo combines the remote job status with the local job record.
type BatchInfo struct {
	RunID  string                 `json:"runId"`
	Remote batchapi.JobStatus     `json:"remote"`
	Record *models.BatchJobRecord `json:"record,omitempty"`
}

// Service is the orchestration surface for translation runs. Create
// methods accept uploads and enqueue work; Execute methods are the worker
// entrypoints that actually drive the pipeline.
type Service interface {
	CreateRun(ctx context.Context, files []*multipart.FileHeader, verify bool) (*RunInfo, error)
	CreateRunFromZip(ctx context.Context, file multipart.File, header *multipart.FileHeader, verify bool) (*RunInfo, error)
	ResumeRun(ctx context.Context, runID string) error
	ConfirmCheckpoint(ctx context.Context, runID string) error
	StopRun(ctx context.Context, runID string) error
	ResetRun(ctx context.Context, runID string) error
	RunStatus(ctx context.Context, runID string) (*queue.RunState, error)
	ExportArchive(ctx context.Context, runID string, w io.Writer) error
	PersistArchive(ctx context.Context, runID string) (string, error)

	Failures(ctx context.Context) ([]store.PageFailure, error)
	Review(ctx context.Context) ([]store.ReviewPage, error)
	PageDetail(ctx context.Context, pageID int64) (*models.Page, error)
	Stats(ctx context.Context) (map[string]int, error)

	SubmitBatch(ctx context.Context, files []*multipart.FileHeader, verify bool) (*RunInfo, error)
	BatchStatus(ctx context.Context, runID string) (*BatchInfo, error)
	RequestReconcile(ctx context.Context, runID string) error

	ExecuteRun(ctx context.Context, runID string) error
	ExecuteReconcile(ctx context.Context, runID string) error
}

package store

import (
	"context"

	"github.com/feichai0017/book-translator/internal/models"
)

// PageFailure is one failed page with its recorded error.
type PageFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// ReviewPage is one page flagged by verification for human review.
type ReviewPage struct {
	Filename string   `json:"filename"`
	Issues   []string `json:"issues"`
}

// PageStore persists per-page bookkeeping for the pipeline. Every write is
// a single insert or update keyed by page identity, so pages never contend
// for the same row.
type PageStore interface {
	RegisterPage(ctx context.Context, filename, fingerprint, extractedText string, pairs []models.TranslationPair) (int64, error)
	RecordDuplicate(ctx context.Context, filename, fingerprint string, duplicateOfID int64) (int64, error)
	MarkCompleted(ctx context.Context, pageID int64, status models.PageStatus) error
	MarkFailed(ctx context.Context, pageID int64, errMsg string) error
	// LogError records a failure for a page that never got registered
	// (e.g. extraction failed before a fingerprint existed).
	LogError(ctx context.Context, filename, errMsg string) error
	UpdateVerification(ctx context.Context, pageID int64, passed bool, issues []string) error
	FindCompletedByFingerprint(ctx context.Context, fingerprint string) (int64, bool, error)
	// GetPage returns the full record for one page, nil if no such page.
	GetPage(ctx context.Context, pageID int64) (*models.Page, error)
	FailedPages(ctx context.Context) ([]PageFailure, error)
	ReviewPages(ctx context.Context) ([]ReviewPage, error)
	Stats(ctx context.Context) (map[string]int, error)

	SaveBatchJob(ctx context.Context, jobID string, totalPages int, verify bool) (int64, error)
	GetBatchJob(ctx context.Context, jobID string) (*models.BatchJobRecord, error)
	UpdateBatchJobStatus(ctx context.Context, jobID, status string, succeeded, failed int) error
}

package models

import (
    "time"
)

// PageStatus 页面处理状态
type PageStatus string

const (
    PageStatusPending     PageStatus = "pending"
    PageStatusProcessing  PageStatus = "processing"
    PageStatusCompleted   PageStatus = "completed"
    PageStatusFailed      PageStatus = "failed"
    PageStatusDuplicate   PageStatus = "duplicate"
    PageStatusNeedsReview PageStatus = "needs_review"
)

// TranslationPair is one extracted text element together with its translation.
// Pairs keep the order the capability returned them in.
type TranslationPair struct {
    Source     string `json:"source"`
    Translated string `json:"translated"`
}

// Verification is the outcome of the optional image comparison step.
// A failed verification flags the page for human review; it is not an error.
type Verification struct {
    Passed     bool     `json:"pass"`
    Issues     []string `json:"issues,omitempty"`
    Confidence float64  `json:"confidence"`
}

// Page 页面记录
type Page struct {
    ID            int64             `json:"id"`
    Filename      string            `json:"filename"`
    Fingerprint   string            `json:"fingerprint,omitempty"`
    ExtractedText string            `json:"extractedText,omitempty"`
    Translations  []TranslationPair `json:"translations,omitempty"`
    Status        PageStatus        `json:"status"`
    DuplicateOfID *int64            `json:"duplicateOfId,omitempty"`
    RetryCount    int               `json:"retryCount"`
    LastError     string            `json:"lastError,omitempty"`
    Verification  *Verification     `json:"verification,omitempty"`
    CreatedAt     time.Time         `json:"createdAt"`
    CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// RunPhase 运行阶段
type RunPhase string

const (
    PhaseIdle       RunPhase = "idle"
    PhaseUploading  RunPhase = "uploading"
    PhaseProcessing RunPhase = "processing"
    PhaseVerifying  RunPhase = "verifying"
    PhaseComplete   RunPhase = "complete"
    PhasePaused     RunPhase = "paused"
    PhaseFailed     RunPhase = "failed"
)

// BatchJobRecord tracks one remote batch job from submission to completion.
type BatchJobRecord struct {
    ID             int64      `json:"id"`
    JobID          string     `json:"jobId"`
    Status         string     `json:"status"`
    TotalPages     int        `json:"totalPages"`
    SucceededPages int        `json:"succeededPages"`
    FailedPages    int        `json:"failedPages"`
    VerifyEnabled  bool       `json:"verifyEnabled"`
    CreatedAt      time.Time  `json:"createdAt"`
    CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

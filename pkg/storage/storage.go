package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/book-translator/pkg/logger"
	"github.com/feichai0017/book-translator/pkg/storage/minio"
	"github.com/feichai0017/book-translator/pkg/storage/s3"
)

// BackendType 定义存储类型
type BackendType string

const (
	BackendS3    BackendType = "s3"
	BackendMinio BackendType = "minio"
)

// ArchiveStore persists finished result archives so a download link
// survives run-state expiry. Keys are caller-chosen, typically
// archives/<runId>.zip.
type ArchiveStore interface {
	// Put 存储归档
	Put(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get 获取归档
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除归档
	Delete(ctx context.Context, key string) error
	// CleanupBefore 清理过期归档
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// NewArchiveStore 创建存储实例的工厂方法
func NewArchiveStore(backend BackendType, logger logger.Logger) (ArchiveStore, error) {
	switch backend {
	case BackendS3:
		return s3.GetClient(logger)
	case BackendMinio:
		return minio.GetClient(logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

// ArchiveKey is the canonical object key for a run's result archive.
func ArchiveKey(runID string) string {
	return "archives/" + runID + ".zip"
}

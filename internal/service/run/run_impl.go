package run

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/batchapi"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/pipeline"
	"github.com/feichai0017/book-translator/internal/progress"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/internal/translator"
	"github.com/feichai0017/book-translator/internal/utils/validator"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
	"github.com/feichai0017/book-translator/pkg/queue"
	"github.com/feichai0017/book-translator/pkg/storage"
)

type runService struct {
	pages      store.PageStore
	capability translator.Capability
	batch      batchapi.Submitter
	queue      queue.Queue
	archive    storage.ArchiveStore // optional, nil disables PersistArchive
	logger     logger.Logger
	cfg        *config.PipelineConfig
}

// NewService wires a run service from its dependencies.
func NewService(
	pages store.PageStore,
	capability translator.Capability,
	batch batchapi.Submitter,
	q queue.Queue,
	archive storage.ArchiveStore,
	cfg *config.PipelineConfig,
	log logger.Logger,
) Service {
	return &runService{
		pages:      pages,
		capability: capability,
		batch:      batch,
		queue:      q,
		archive:    archive,
		logger:     log,
		cfg:        cfg,
	}
}

// GetService 构建默认依赖的服务实例
func GetService(log logger.Logger) (Service, error) {
	pcfg := config.GetPipelineConfig()

	db, err := store.Open(pcfg.DatabasePath, store.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open page store: %w", err)
	}

	rcfg := config.GetRedisConfig()
	q, err := queue.NewAsynqQueue(&queue.QueueConfig{
		RedisAddr:      rcfg.Addr,
		RedisDB:        rcfg.DB,
		ProcessTimeout: 2 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	tcfg := config.GetTranslatorConfig()
	capability := translator.NewClient(tcfg, log)
	batch := batchapi.NewClient(tcfg, log)

	var archive storage.ArchiveStore
	if backend := os.Getenv("ARCHIVE_BACKEND"); backend != "" {
		archive, err = storage.NewArchiveStore(storage.BackendType(backend), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive store: %w", err)
		}
	}

	return NewService(db, capability, batch, q, archive, pcfg, log), nil
}

func (s *runService) limits() validator.UploadLimits {
	return validator.UploadLimits{
		MaxPages:    s.cfg.MaxPages,
		MaxFileSize: s.cfg.MaxFileSizeMB * 1024 * 1024,
	}
}

func (s *runService) runDir(runID string) string {
	return filepath.Join(s.cfg.RunBaseDir, runID)
}

// CreateRun accepts individual page uploads and enqueues a synchronous run.
func (s *runService) CreateRun(ctx context.Context, files []*multipart.FileHeader, verify bool) (*RunInfo, error) {
	if err := validator.ValidatePages(files, s.limits()); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	pagesDir := filepath.Join(s.runDir(runID), "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}

	// 上传落盘期间状态即可查询
	if err := s.markUploading(ctx, runID, "dir", pagesDir, len(files), verify); err != nil {
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	if err := saveUploads(ctx, files, pagesDir); err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	source, err := pipeline.NewDirSource(pagesDir)
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	return s.startRun(ctx, runID, "dir", pagesDir, source.Len(), verify)
}

// CreateRunFromZip accepts a whole book as one zip archive.
func (s *runService) CreateRunFromZip(ctx context.Context, file multipart.File, header *multipart.FileHeader, verify bool) (*RunInfo, error) {
	if err := validator.ValidateZip(header, s.limits()); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(s.runDir(runID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	zipPath := filepath.Join(s.runDir(runID), "book.zip")

	// 页数要等归档索引后才知道
	if err := s.markUploading(ctx, runID, "zip", zipPath, 0, verify); err != nil {
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	dst, err := os.Create(zipPath)
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, fmt.Errorf("failed to save archive: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, fmt.Errorf("failed to save archive: %w", err)
	}
	dst.Close()

	source, err := pipeline.NewZipSource(zipPath)
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}
	if s.cfg.MaxPages > 0 && source.Len() > s.cfg.MaxPages {
		err := fmt.Errorf("too many pages: %d exceeds limit of %d", source.Len(), s.cfg.MaxPages)
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	return s.startRun(ctx, runID, "zip", zipPath, source.Len(), verify)
}

func (s *runService) startRun(ctx context.Context, runID, kind, path string, total int, verify bool) (*RunInfo, error) {
	acc, err := accumulator.New(s.runDir(runID))
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	state := &queue.RunState{
		RunID:            runID,
		Status:           queue.RunStatusRunning,
		SourceKind:       kind,
		SourcePath:       path,
		TotalPages:       total,
		Verify:           verify,
		ResultDir:        acc.Dir(),
		EstimatedSeconds: total * s.cfg.SecondsPerPageEstimate,
		CreatedAt:        time.Now(),
	}
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		acc.Cleanup()
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}
	if err := s.enqueueRun(ctx, runID); err != nil {
		s.failNewRun(ctx, runID, err)
		acc.Cleanup()
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	s.logger.Info("run created",
		logger.String("runId", runID),
		logger.Int("totalPages", total),
		logger.Bool("verify", verify))

	return &RunInfo{
		RunID:            runID,
		Status:           state.Status,
		TotalPages:       total,
		EstimatedSeconds: state.EstimatedSeconds,
	}, nil
}

// markUploading persists an initial run state so the run is observable
// while uploads are still landing on disk.
func (s *runService) markUploading(ctx context.Context, runID, kind, path string, total int, verify bool) error {
	tracker := progress.NewTracker(total, s.cfg.BatchSize)
	tracker.SetPhase(models.PhaseUploading)
	snap := tracker.Snapshot()
	return s.queue.SaveRunState(ctx, &queue.RunState{
		RunID:      runID,
		Status:     queue.RunStatusRunning,
		SourceKind: kind,
		SourcePath: path,
		TotalPages: total,
		Verify:     verify,
		Progress:   &snap,
		CreatedAt:  time.Now(),
	})
}

// failNewRun marks a half-created run as failed so its state never stays
// "running" with no task behind it.
func (s *runService) failNewRun(ctx context.Context, runID string, cause error) {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return
	}
	_ = s.failRun(ctx, state, cause)
}

func (s *runService) enqueueRun(ctx context.Context, runID string) error {
	return s.queue.Enqueue(ctx, &queue.Task{
		ID:        runID,
		Type:      queue.TaskTypeRunProcess,
		Payload:   map[string]string{"runId": runID},
		CreatedAt: time.Now(),
	})
}

func saveUploads(ctx context.Context, files []*multipart.FileHeader, dir string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, header := range files {
		header := header
		g.Go(func() error {
			src, err := header.Open()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", header.Filename, err)
			}
			defer src.Close()

			dst, err := os.Create(filepath.Join(dir, filepath.Base(header.Filename)))
			if err != nil {
				return fmt.Errorf("failed to save %s: %w", header.Filename, err)
			}
			defer dst.Close()

			if _, err := io.Copy(dst, src); err != nil {
				return fmt.Errorf("failed to save %s: %w", header.Filename, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *runService) openSource(state *queue.RunState) (pipeline.PageSource, error) {
	switch state.SourceKind {
	case "dir":
		return pipeline.NewDirSource(state.SourcePath)
	case "zip":
		return pipeline.NewZipSource(state.SourcePath)
	default:
		return nil, fmt.Errorf("unknown source kind %q", state.SourceKind)
	}
}

// ExecuteRun is the worker entrypoint for the synchronous pipeline. It
// picks the run up at its resume index and carries it until completion or
// the next suspension point, persisting the new state either way.
func (s *runService) ExecuteRun(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if queue.Terminal(state.Status) {
		// Stale task; the run already settled.
		s.logger.Warn("run already settled, skipping",
			logger.String("runId", runID), logger.String("status", state.Status))
		return nil
	}

	source, err := s.openSource(state)
	if err != nil {
		return s.failRun(ctx, state, err)
	}
	acc, err := accumulator.Open(state.ResultDir)
	if err != nil {
		return s.failRun(ctx, state, err)
	}

	var tracker *progress.Tracker
	if state.Progress != nil {
		tracker = progress.Restore(*state.Progress)
	} else {
		tracker = progress.NewTracker(state.TotalPages, s.cfg.BatchSize)
	}

	runner := pipeline.NewRunner(source, s.pages, s.capability, acc, tracker, s.cfg, state.Verify, s.logger)
	result, err := runner.Run(ctx, state.ResumeIndex, state.ConfirmedThrough)
	if err != nil {
		if result.Progress.TotalPages > 0 {
			state.Progress = &result.Progress
		}
		return s.failRun(ctx, state, err)
	}

	if result.Suspended {
		if result.Checkpoint.Reason == pipeline.ReasonCheckpoint {
			state.Status = queue.RunStatusPausedCheckpoint
		} else {
			state.Status = queue.RunStatusPausedBatch
		}
		state.ResumeIndex = result.Checkpoint.ResumeIndex
		state.Progress = &result.Checkpoint.Progress
	} else {
		state.Status = queue.RunStatusCompleted
		state.ResumeIndex = state.TotalPages
		state.Progress = &result.Progress
	}

	if err := s.queue.SaveRunState(ctx, state); err != nil {
		return err
	}

	s.logger.Info("run invocation finished",
		logger.String("runId", runID),
		logger.String("status", state.Status),
		logger.Int("processed", result.Processed),
		logger.Int("failed", result.Failed),
		logger.Int("duplicates", result.Duplicates))
	return nil
}

func (s *runService) failRun(ctx context.Context, state *queue.RunState, cause error) error {
	state.Status = queue.RunStatusFailed
	state.Error = cause.Error()
	if state.Progress != nil {
		state.Progress.Phase = models.PhaseFailed
	}
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		s.logger.Error("failed to persist failed run state",
			logger.String("runId", state.RunID), logger.Error(err))
	}
	return cause
}

// ResumeRun re-enqueues a paused or stopped run from its resume index.
func (s *runService) ResumeRun(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if !queue.Paused(state.Status) {
		return fmt.Errorf("run %s is %s, not paused", runID, state.Status)
	}
	if state.Status == queue.RunStatusPausedCheckpoint {
		return fmt.Errorf("run %s is at a checkpoint, confirm it first", runID)
	}

	state.Status = queue.RunStatusRunning
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		return err
	}
	return s.enqueueRun(ctx, runID)
}

// ConfirmCheckpoint acknowledges the current checkpoint and resumes. The
// confirmed watermark guarantees the run will not stop at this index again.
func (s *runService) ConfirmCheckpoint(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status != queue.RunStatusPausedCheckpoint {
		return fmt.Errorf("run %s has no pending checkpoint", runID)
	}

	state.ConfirmedThrough = state.ResumeIndex
	state.Status = queue.RunStatusRunning
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		return err
	}
	return s.enqueueRun(ctx, runID)
}

// StopRun parks a paused run so it will not be resumed accidentally.
// Running invocations cannot be interrupted remotely; they stop at the
// next suspension point.
func (s *runService) StopRun(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status != queue.RunStatusPausedBatch && state.Status != queue.RunStatusPausedCheckpoint {
		return fmt.Errorf("run %s is %s, only paused runs can be stopped", runID, state.Status)
	}

	state.Status = queue.RunStatusStopped
	return s.queue.SaveRunState(ctx, state)
}

// ResetRun discards a run's working files and results.
func (s *runService) ResetRun(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status == queue.RunStatusRunning {
		return fmt.Errorf("run %s is still running", runID)
	}

	if state.ResultDir != "" {
		if err := os.RemoveAll(state.ResultDir); err != nil {
			s.logger.Error("failed to remove result dir",
				logger.String("runId", runID), logger.Error(err))
		}
	}
	if err := os.RemoveAll(s.runDir(runID)); err != nil {
		s.logger.Error("failed to remove run dir",
			logger.String("runId", runID), logger.Error(err))
	}

	state.Status = queue.RunStatusStopped
	state.ResultDir = ""
	state.Error = "reset by operator"
	return s.queue.SaveRunState(ctx, state)
}

// RunStatus returns the persisted state of a run.
func (s *runService) RunStatus(ctx context.Context, runID string) (*queue.RunState, error) {
	return s.queue.GetRunState(ctx, runID)
}

// ExportArchive streams the run's results as a zip. Only settled runs can
// be exported; a mid-run export would produce a partial archive.
func (s *runService) ExportArchive(ctx context.Context, runID string, w io.Writer) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status == queue.RunStatusRunning || state.Status == queue.RunStatusBatchSubmitted {
		return fmt.Errorf("run %s is still in progress", runID)
	}
	if state.ResultDir == "" {
		return fmt.Errorf("run %s has no results", runID)
	}

	acc, err := accumulator.Open(state.ResultDir)
	if err != nil {
		return err
	}
	if acc.Count() == 0 {
		return fmt.Errorf("run %s produced no results", runID)
	}
	return acc.ExportZip(w)
}

// PersistArchive uploads the run's zip to the configured archive store and
// returns the object key.
func (s *runService) PersistArchive(ctx context.Context, runID string) (string, error) {
	if s.archive == nil {
		return "", fmt.Errorf("no archive storage configured")
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.ExportArchive(ctx, runID, pw))
	}()

	key, err := s.archive.Put(ctx, pr, storage.ArchiveKey(runID))
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	return key, nil
}

func (s *runService) Failures(ctx context.Context) ([]store.PageFailure, error) {
	return s.pages.FailedPages(ctx)
}

func (s *runService) Review(ctx context.Context) ([]store.ReviewPage, error) {
	return s.pages.ReviewPages(ctx)
}

// PageDetail returns the full record for one page, nil when unknown.
func (s *runService) PageDetail(ctx context.Context, pageID int64) (*models.Page, error) {
	return s.pages.GetPage(ctx, pageID)
}

func (s *runService) Stats(ctx context.Context) (map[string]int, error) {
	return s.pages.Stats(ctx)
}

// SubmitBatch uploads the pages and submits them as one remote batch job.
// Submission happens inline; only reconciliation goes through the worker.
func (s *runService) SubmitBatch(ctx context.Context, files []*multipart.FileHeader, verify bool) (*RunInfo, error) {
	if err := validator.ValidatePages(files, s.limits()); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	pagesDir := filepath.Join(s.runDir(runID), "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	if err := s.markUploading(ctx, runID, "dir", pagesDir, len(files), verify); err != nil {
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}
	if err := saveUploads(ctx, files, pagesDir); err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	source, err := pipeline.NewDirSource(pagesDir)
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}
	acc, err := accumulator.New(s.runDir(runID))
	if err != nil {
		s.failNewRun(ctx, runID, err)
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	br := pipeline.NewBatchRunner(source, s.pages, s.batch, s.capability, acc, verify, s.logger)
	jobID, err := br.Submit(ctx, verify)
	if err != nil {
		s.failNewRun(ctx, runID, err)
		acc.Cleanup()
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	state := &queue.RunState{
		RunID:      runID,
		Status:     queue.RunStatusBatchSubmitted,
		SourceKind: "dir",
		SourcePath: pagesDir,
		TotalPages: source.Len(),
		Verify:     verify,
		ResultDir:  acc.Dir(),
		BatchJobID: jobID,
		CreatedAt:  time.Now(),
	}
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		// remote job is already submitted and cannot be recalled
		s.logger.Error("batch job orphaned by state save failure",
			logger.String("jobId", jobID), logger.Error(err))
		acc.Cleanup()
		os.RemoveAll(s.runDir(runID))
		return nil, err
	}

	return &RunInfo{
		RunID:      runID,
		Status:     state.Status,
		TotalPages: source.Len(),
		BatchJobID: jobID,
	}, nil
}

// BatchStatus polls the remote job and mirrors terminal states into the
// local job record.
func (s *runService) BatchStatus(ctx context.Context, runID string) (*BatchInfo, error) {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.BatchJobID == "" {
		return nil, fmt.Errorf("run %s has no batch job", runID)
	}

	remote, err := s.batch.GetStatus(ctx, state.BatchJobID)
	if err != nil {
		return nil, err
	}
	if remote.Done() {
		recorded := "completed"
		if remote.State == batchapi.JobFailed {
			recorded = "failed"
		}
		if err := s.pages.UpdateBatchJobStatus(ctx, state.BatchJobID, recorded, remote.Succeeded, remote.Failed); err != nil {
			s.logger.Error("failed to update batch job record",
				logger.String("jobId", state.BatchJobID), logger.Error(err))
		}
	}

	record, err := s.pages.GetBatchJob(ctx, state.BatchJobID)
	if err != nil {
		s.logger.Error("failed to load batch job record",
			logger.String("jobId", state.BatchJobID), logger.Error(err))
	}

	return &BatchInfo{RunID: runID, Remote: remote, Record: record}, nil
}

// RequestReconcile enqueues reconciliation of a finished batch job.
func (s *runService) RequestReconcile(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if state.BatchJobID == "" {
		return fmt.Errorf("run %s has no batch job", runID)
	}
	if state.Status != queue.RunStatusBatchSubmitted {
		return fmt.Errorf("run %s is %s, nothing to reconcile", runID, state.Status)
	}

	remote, err := s.batch.GetStatus(ctx, state.BatchJobID)
	if err != nil {
		return err
	}
	if !remote.Done() {
		return fmt.Errorf("batch job %s is still running", state.BatchJobID)
	}
	if remote.State == batchapi.JobFailed {
		return s.failRun(ctx, state, fmt.Errorf("batch job %s failed remotely", state.BatchJobID))
	}

	state.Status = queue.RunStatusRunning
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, &queue.Task{
		ID:        runID,
		Type:      queue.TaskTypeBatchReconcile,
		Payload:   map[string]string{"runId": runID},
		CreatedAt: time.Now(),
	})
}

// ExecuteReconcile is the worker entrypoint for batch reconciliation.
func (s *runService) ExecuteReconcile(ctx context.Context, runID string) error {
	state, err := s.queue.GetRunState(ctx, runID)
	if err != nil {
		return err
	}
	if queue.Terminal(state.Status) {
		s.logger.Warn("run already settled, skipping reconcile",
			logger.String("runId", runID), logger.String("status", state.Status))
		return nil
	}

	source, err := s.openSource(state)
	if err != nil {
		return s.failRun(ctx, state, err)
	}
	acc, err := accumulator.Open(state.ResultDir)
	if err != nil {
		return s.failRun(ctx, state, err)
	}

	br := pipeline.NewBatchRunner(source, s.pages, s.batch, s.capability, acc, state.Verify, s.logger)
	result, err := br.Reconcile(ctx, state.BatchJobID)
	if err != nil {
		return s.failRun(ctx, state, err)
	}

	if err := s.pages.UpdateBatchJobStatus(ctx, state.BatchJobID, "completed", result.Processed, result.Failed); err != nil {
		s.logger.Error("failed to update batch job record",
			logger.String("jobId", state.BatchJobID), logger.Error(err))
	}

	state.Status = queue.RunStatusCompleted
	state.ResumeIndex = state.TotalPages
	if err := s.queue.SaveRunState(ctx, state); err != nil {
		return err
	}

	s.logger.Info("batch run reconciled",
		logger.String("runId", runID),
		logger.Int("processed", result.Processed),
		logger.Int("failed", result.Failed),
		logger.Int("unmatched", result.Unmatched))
	return nil
}

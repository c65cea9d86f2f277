package pipeline

import (
	"context"
	"time"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/fingerprint"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/progress"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/internal/translator"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
)

// Suspension reasons surfaced to the run service.
const (
	ReasonBatchPause = "batch_pause"
	ReasonCheckpoint = "checkpoint"
)

// Checkpoint captures where a suspended run stops and why. ResumeIndex is
// the first unprocessed page.
type Checkpoint struct {
	ResumeIndex int               `json:"resumeIndex"`
	Reason      string            `json:"reason"`
	Progress    progress.Snapshot `json:"progress"`
}

// RunResult summarizes one Run invocation. Suspended means the run stopped
// at a checkpoint or batch pause and can be resumed; otherwise the source
// was fully consumed.
type RunResult struct {
	Suspended   bool
	Checkpoint  *Checkpoint
	Processed   int
	Failed      int
	Duplicates  int
	NeedsReview int
	Progress    progress.Snapshot
}

// Runner drives the synchronous pipeline over a page source. One page at a
// time; page failures are recorded and skipped, never fatal to the run.
type Runner struct {
	source    PageSource
	processor *pageProcessor
	tracker   *progress.Tracker
	cfg       *config.PipelineConfig
	logger    logger.Logger
}

// NewRunner wires a runner for one run invocation.
func NewRunner(
	source PageSource,
	st store.PageStore,
	capability translator.Capability,
	results *accumulator.Accumulator,
	tracker *progress.Tracker,
	cfg *config.PipelineConfig,
	verify bool,
	log logger.Logger,
) *Runner {
	return &Runner{
		source:    source,
		processor: newPageProcessor(st, fingerprint.NewIndex(st), capability, results, verify, log),
		tracker:   tracker,
		cfg:       cfg,
		logger:    log,
	}
}

// Run processes pages from start until the source ends or a suspension
// point is reached. confirmedThrough is the highest checkpoint index the
// operator has already confirmed; the run will not stop again at or below
// it.
//
// Two suspension mechanisms are independent: the hard checkpoint every
// CheckpointEvery pages always requires confirmation, and for large runs
// every PauseEveryBatches-th batch boundary pauses for a breather. Both
// trigger only when the boundary is crossed inside this invocation, so a
// resume at the boundary index does not immediately stop again.
func (r *Runner) Run(ctx context.Context, start, confirmedThrough int) (RunResult, error) {
	total := r.source.Len()
	result := RunResult{}

	phase := models.PhaseProcessing
	if r.processor.verify {
		phase = models.PhaseVerifying
	}
	r.tracker.SetPhase(phase)
	r.tracker.SetPaused(false)

	it, err := r.source.Open(ctx, start)
	if err != nil {
		result.Progress = r.tracker.Snapshot()
		return result, err
	}
	defer it.Close()

	currentBatch := start / r.cfg.BatchSize

	for {
		idx, filename, img, ok, err := it.Next()
		if err != nil && !ok {
			// source-level failure (context cancelled, archive gone)
			result.Progress = r.tracker.Snapshot()
			return result, err
		}
		if !ok {
			break
		}

		if idx > 0 && idx%r.cfg.CheckpointEvery == 0 && idx > confirmedThrough {
			return r.suspend(result, idx, ReasonCheckpoint), nil
		}

		batchIdx := idx / r.cfg.BatchSize
		if batchIdx != currentBatch {
			currentBatch = batchIdx
			if total > r.cfg.PauseThreshold && batchIdx > 0 && batchIdx%r.cfg.PauseEveryBatches == 0 {
				return r.suspend(result, idx, ReasonBatchPause), nil
			}
		}

		r.tracker.StartPage(idx)

		if err != nil {
			// 单页解码失败,记录后继续
			r.logger.Error("page unreadable",
				logger.String("filename", filename), logger.Error(err))
			if logErr := r.processor.store.LogError(ctx, filename, err.Error()); logErr != nil {
				r.logger.Error("failed to record page error",
					logger.String("filename", filename), logger.Error(logErr))
			}
			result.Failed++
			r.tracker.FinishPage(idx)
			continue
		}

		pageStart := time.Now()
		outcome, err := r.processor.ProcessPage(ctx, filename, img)
		if err != nil {
			if ctx.Err() != nil {
				result.Progress = r.tracker.Snapshot()
				return result, ctx.Err()
			}
			r.logger.Error("page processing failed",
				logger.String("filename", filename), logger.Error(err))
			result.Failed++
			r.tracker.FinishPage(idx)
			continue
		}

		result.Processed++
		switch outcome.Status {
		case models.PageStatusDuplicate:
			result.Duplicates++
		case models.PageStatusNeedsReview:
			result.NeedsReview++
		}

		took := time.Since(pageStart)
		r.tracker.ObserveDuration(took)
		r.tracker.FinishPage(idx)
		r.logger.Debug("page processed",
			logger.String("filename", filename),
			logger.Duration("took", took))
	}

	r.tracker.Complete()
	result.Progress = r.tracker.Snapshot()
	return result, nil
}

func (r *Runner) suspend(result RunResult, idx int, reason string) RunResult {
	r.tracker.SetPaused(true)
	r.tracker.SetPhase(models.PhasePaused)

	snap := r.tracker.Snapshot()
	result.Suspended = true
	result.Checkpoint = &Checkpoint{
		ResumeIndex: idx,
		Reason:      reason,
		Progress:    snap,
	}
	result.Progress = snap

	r.logger.Info("run suspended",
		logger.String("reason", reason),
		logger.Int("resumeIndex", idx))
	return result
}

package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/feichai0017/book-translator/internal/fingerprint"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/internal/translator"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
)

// PageOutcome is the result of processing one page. A failed page returns
// an error instead; the outcome is only for pages that produced output.
type PageOutcome struct {
	PageID        int64
	Status        models.PageStatus
	DuplicateOfID int64
	Verification  *models.Verification
}

// pageProcessor runs the full per-page sequence: extract and translate,
// dedup, edit, verify, save. Page failures are reported back as errors and
// recorded in the store; they never stop the surrounding run.
type pageProcessor struct {
	store      store.PageStore
	dedup      *fingerprint.Index
	capability translator.Capability
	results    *accumulator.Accumulator
	verify     bool
	logger     logger.Logger
}

func newPageProcessor(
	st store.PageStore,
	dedup *fingerprint.Index,
	capability translator.Capability,
	results *accumulator.Accumulator,
	verify bool,
	log logger.Logger,
) *pageProcessor {
	return &pageProcessor{
		store:      st,
		dedup:      dedup,
		capability: capability,
		results:    results,
		verify:     verify,
		logger:     log,
	}
}

// ProcessPage runs one page end to end. Errors are already recorded in the
// store when returned; callers only decide whether to keep going.
func (p *pageProcessor) ProcessPage(ctx context.Context, filename string, img image.Image) (PageOutcome, error) {
	extracted, pairs, err := p.capability.ExtractAndTranslate(ctx, img)
	if err != nil {
		// 页面还未注册,只能按文件名记错
		if logErr := p.store.LogError(ctx, filename, err.Error()); logErr != nil {
			p.logger.Error("failed to record extraction error",
				logger.String("filename", filename), logger.Error(logErr))
		}
		return PageOutcome{}, fmt.Errorf("extract %s: %w", filename, err)
	}

	return p.ProcessTranslated(ctx, filename, img, extracted, pairs)
}

// ProcessTranslated picks up a page whose extraction and translation
// already happened, as with results coming back from a batch job, and runs
// the rest of the sequence: dedup, edit, verify, save.
func (p *pageProcessor) ProcessTranslated(
	ctx context.Context,
	filename string,
	img image.Image,
	extracted string,
	pairs []models.TranslationPair,
) (PageOutcome, error) {
	key := fingerprint.Key(extracted)

	dupOfID, isDup, err := p.dedup.FindDuplicate(ctx, key)
	if err != nil {
		if logErr := p.store.LogError(ctx, filename, err.Error()); logErr != nil {
			p.logger.Error("failed to record dedup error",
				logger.String("filename", filename), logger.Error(logErr))
		}
		return PageOutcome{}, fmt.Errorf("dedup lookup %s: %w", filename, err)
	}

	var pageID int64
	if isDup {
		pageID, err = p.store.RecordDuplicate(ctx, filename, key, dupOfID)
		if err != nil {
			return PageOutcome{}, fmt.Errorf("record duplicate %s: %w", filename, err)
		}
		p.logger.Info("duplicate page detected",
			logger.String("filename", filename),
			logger.Int64("duplicateOf", dupOfID))
	} else {
		pageID, err = p.store.RegisterPage(ctx, filename, key, extracted, pairs)
		if err != nil {
			return PageOutcome{}, fmt.Errorf("register %s: %w", filename, err)
		}
	}

	outcome, err := p.processExtracted(ctx, pageID, filename, img, pairs, isDup)
	if err != nil {
		return PageOutcome{}, err
	}
	outcome.PageID = pageID
	if isDup {
		// 重复页保留 duplicate 状态,仍然产出结果
		outcome.Status = models.PageStatusDuplicate
		outcome.DuplicateOfID = dupOfID
	}
	return outcome, nil
}

// processExtracted carries a page from extracted translations to a saved
// result. It is shared with the batch reconciler, which arrives here with
// extraction already done remotely.
func (p *pageProcessor) processExtracted(
	ctx context.Context,
	pageID int64,
	filename string,
	img image.Image,
	pairs []models.TranslationPair,
	isDup bool,
) (PageOutcome, error) {
	output := img
	if len(pairs) > 0 {
		edited, err := p.capability.EditImage(ctx, img, pairs)
		if err != nil {
			p.markFailed(ctx, pageID, filename, err)
			return PageOutcome{}, fmt.Errorf("edit %s: %w", filename, err)
		}
		output = edited
	}

	status := models.PageStatusCompleted
	outcome := PageOutcome{Status: status}

	if p.verify && len(pairs) > 0 {
		verdict, err := p.capability.Verify(ctx, img, output, pairs)
		if err != nil {
			p.markFailed(ctx, pageID, filename, err)
			return PageOutcome{}, fmt.Errorf("verify %s: %w", filename, err)
		}
		if err := p.store.UpdateVerification(ctx, pageID, verdict.Passed, verdict.Issues); err != nil {
			return PageOutcome{}, fmt.Errorf("save verification %s: %w", filename, err)
		}
		outcome.Verification = &verdict
		if !verdict.Passed {
			status = models.PageStatusNeedsReview
			outcome.Status = status
			p.logger.Warn("page flagged for review",
				logger.String("filename", filename),
				logger.Float64("confidence", verdict.Confidence),
				logger.Any("issues", verdict.Issues))
		}
	}

	if err := p.results.Save(filename, output); err != nil {
		p.markFailed(ctx, pageID, filename, err)
		return PageOutcome{}, err
	}

	if !isDup {
		if err := p.store.MarkCompleted(ctx, pageID, status); err != nil {
			return PageOutcome{}, fmt.Errorf("finalize %s: %w", filename, err)
		}
	}
	return outcome, nil
}

func (p *pageProcessor) markFailed(ctx context.Context, pageID int64, filename string, cause error) {
	if err := p.store.MarkFailed(ctx, pageID, cause.Error()); err != nil {
		p.logger.Error("failed to record page failure",
			logger.String("filename", filename), logger.Error(err))
	}
}

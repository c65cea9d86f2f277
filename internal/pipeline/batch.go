package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/book-translator/internal/batchapi"
	"github.com/feichai0017/book-translator/internal/fingerprint"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/internal/translator"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
)

// BatchRunner drives the asynchronous path: all pages are submitted as one
// remote batch job, and once it finishes the results are reconciled back
// through the same edit/verify sequence the synchronous runner uses.
type BatchRunner struct {
	source    PageSource
	store     store.PageStore
	client    batchapi.Submitter
	processor *pageProcessor
	logger    logger.Logger
}

func NewBatchRunner(
	source PageSource,
	st store.PageStore,
	client batchapi.Submitter,
	capability translator.Capability,
	results *accumulator.Accumulator,
	verify bool,
	log logger.Logger,
) *BatchRunner {
	return &BatchRunner{
		source:    source,
		store:     st,
		client:    client,
		processor: newPageProcessor(st, fingerprint.NewIndex(st), capability, results, verify, log),
		logger:    log,
	}
}

// Submit encodes every page and sends them as one batch job. Pages that
// fail to decode are recorded and left out of the job. Returns the remote
// job id.
func (b *BatchRunner) Submit(ctx context.Context, verify bool) (string, error) {
	it, err := b.source.Open(ctx, 0)
	if err != nil {
		return "", err
	}
	defer it.Close()

	requests := make([]batchapi.Request, 0, b.source.Len())
	for {
		idx, filename, img, ok, err := it.Next()
		if err != nil && !ok {
			return "", err
		}
		if !ok {
			break
		}
		if err != nil {
			b.logger.Error("page unreadable, excluded from batch",
				logger.String("filename", filename), logger.Error(err))
			if logErr := b.store.LogError(ctx, filename, err.Error()); logErr != nil {
				b.logger.Error("failed to record page error",
					logger.String("filename", filename), logger.Error(logErr))
			}
			continue
		}

		buf := new(bytes.Buffer)
		if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
			return "", fmt.Errorf("encode %s: %w", filename, err)
		}
		requests = append(requests, batchapi.Request{
			CorrelationID: CorrelationID(idx, filename),
			ImagePNG:      buf.Bytes(),
		})
	}
	if len(requests) == 0 {
		return "", fmt.Errorf("no readable pages to submit")
	}

	jobID, err := b.client.Submit(ctx, requests)
	if err != nil {
		return "", err
	}
	if _, err := b.store.SaveBatchJob(ctx, jobID, len(requests), verify); err != nil {
		return "", fmt.Errorf("save batch job: %w", err)
	}
	return jobID, nil
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	Processed   int
	Failed      int
	Duplicates  int
	NeedsReview int
	Unmatched   int
}

// Reconcile fetches the finished job's results and merges them with the
// source pages. Results are sorted by correlation id, which restores
// submission order because the id embeds a zero-padded page index; the
// source is iterated in that same order, so the merge is a single pass and
// never holds more than one page in memory. Results with no matching page
// are logged and dropped.
func (b *BatchRunner) Reconcile(ctx context.Context, jobID string) (ReconcileResult, error) {
	var out ReconcileResult

	results, err := b.client.ListResults(ctx, jobID)
	if err != nil {
		return out, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CorrelationID < results[j].CorrelationID
	})

	it, err := b.source.Open(ctx, 0)
	if err != nil {
		return out, err
	}
	defer it.Close()

	ri := 0
	for {
		idx, filename, img, ok, err := it.Next()
		if err != nil && !ok {
			return out, err
		}
		if !ok {
			break
		}

		cid := CorrelationID(idx, filename)
		for ri < len(results) && results[ri].CorrelationID < cid {
			b.logger.Warn("batch result matches no submitted page, dropping",
				logger.String("correlationId", results[ri].CorrelationID))
			out.Unmatched++
			ri++
		}
		if ri >= len(results) || results[ri].CorrelationID != cid {
			// 该页没有返回结果
			b.logger.Error("no batch result for page", logger.String("filename", filename))
			if logErr := b.store.LogError(ctx, filename, "no result returned by batch job"); logErr != nil {
				b.logger.Error("failed to record missing result",
					logger.String("filename", filename), logger.Error(logErr))
			}
			out.Failed++
			continue
		}
		res := results[ri]
		ri++

		if err != nil {
			b.logger.Error("page unreadable during reconcile",
				logger.String("filename", filename), logger.Error(err))
			out.Failed++
			continue
		}
		if res.Error != "" || res.Response == nil {
			msg := res.Error
			if msg == "" {
				msg = "batch result carried no response"
			}
			if logErr := b.store.LogError(ctx, filename, msg); logErr != nil {
				b.logger.Error("failed to record batch page error",
					logger.String("filename", filename), logger.Error(logErr))
			}
			out.Failed++
			continue
		}

		outcome, err := b.processor.ProcessTranslated(ctx, filename, img, res.Response.ExtractedText, res.Response.Translations)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			b.logger.Error("reconcile failed for page",
				logger.String("filename", filename), logger.Error(err))
			out.Failed++
			continue
		}

		out.Processed++
		switch outcome.Status {
		case models.PageStatusDuplicate:
			out.Duplicates++
		case models.PageStatusNeedsReview:
			out.NeedsReview++
		}
	}

	for ; ri < len(results); ri++ {
		b.logger.Warn("batch result matches no submitted page, dropping",
			logger.String("correlationId", results[ri].CorrelationID))
		out.Unmatched++
	}

	b.logger.Info("batch reconciliation finished",
		logger.String("jobId", jobID),
		logger.Int("processed", out.Processed),
		logger.Int("failed", out.Failed),
		logger.Int("unmatched", out.Unmatched))
	return out, nil
}

package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/book-translator/internal/batchapi"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
)

// fakeSubmitter records submissions and serves scripted results.
type fakeSubmitter struct {
	submitted []batchapi.Request
	jobID     string
	status    batchapi.JobStatus
	results   []batchapi.Result
}

func (f *fakeSubmitter) Submit(_ context.Context, requests []batchapi.Request) (string, error) {
	f.submitted = requests
	if f.jobID == "" {
		f.jobID = "job-test"
	}
	return f.jobID, nil
}

func (f *fakeSubmitter) GetStatus(_ context.Context, _ string) (batchapi.JobStatus, error) {
	return f.status, nil
}

func (f *fakeSubmitter) ListResults(_ context.Context, _ string) ([]batchapi.Result, error) {
	return f.results, nil
}

type batchEnv struct {
	source    *trackingSource
	cap       *fakeCapability
	db        *store.DB
	acc       *accumulator.Accumulator
	submitter *fakeSubmitter
}

func newBatchEnv(t *testing.T, src PageSource) *batchEnv {
	t.Helper()

	db, err := store.Open(t.TempDir(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	acc, err := accumulator.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Cleanup() })

	cap := newFakeCapability()
	return &batchEnv{
		source:    &trackingSource{PageSource: src, cap: cap},
		cap:       cap,
		db:        db,
		acc:       acc,
		submitter: &fakeSubmitter{},
	}
}

func (e *batchEnv) runner(t *testing.T, verify bool) *BatchRunner {
	t.Helper()
	return NewBatchRunner(e.source, e.db, e.submitter, e.cap, e.acc, verify, logger.NewTestLogger())
}

func extractResult(idx int, filename, text string) batchapi.Result {
	return batchapi.Result{
		CorrelationID: CorrelationID(idx, filename),
		Response: &batchapi.ExtractResponse{
			ExtractedText: text,
			Translations:  []models.TranslationPair{{Source: text, Translated: "translated " + text}},
		},
	}
}

func TestBatchSubmit(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"))

	jobID, err := env.runner(t, true).Submit(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "job-test", jobID)

	require.Len(t, env.submitter.submitted, 3)
	assert.Equal(t, "page_0000_page_1", env.submitter.submitted[0].CorrelationID)
	assert.Equal(t, "page_0002_page_3", env.submitter.submitted[2].CorrelationID)
	for _, req := range env.submitter.submitted {
		assert.NotEmpty(t, req.ImagePNG)
	}

	rec, err := env.db.GetBatchJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.TotalPages)
	assert.True(t, rec.VerifyEnabled)
}

func TestBatchSubmitSkipsUnreadablePages(t *testing.T) {
	src := &stubSource{pages: []stubPage{
		{name: "page_1.png"},
		{name: "page_2.png", err: fmt.Errorf("decode page_2.png: truncated")},
		{name: "page_3.png"},
	}}
	env := newBatchEnv(t, src)

	_, err := env.runner(t, false).Submit(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, env.submitter.submitted, 2)

	failures, err := env.db.FailedPages(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "page_2.png", failures[0].Filename)
}

func TestBatchReconcileRestoresSubmissionOrder(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"))
	// results arrive shuffled
	env.submitter.results = []batchapi.Result{
		extractResult(2, "page_3.png", "third page"),
		extractResult(0, "page_1.png", "first page"),
		extractResult(1, "page_2.png", "second page"),
	}

	result, err := env.runner(t, false).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Unmatched)
	assert.Equal(t, 3, env.acc.Count())

	stats, err := env.db.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats["completed"])
}

func TestBatchReconcileDropsUnmatchedResults(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png"))
	env.submitter.results = []batchapi.Result{
		extractResult(0, "page_1.png", "first page"),
		extractResult(1, "page_2.png", "second page"),
		// correlation id that matches no source page
		extractResult(7, "phantom.png", "ghost"),
	}

	result, err := env.runner(t, false).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 2, env.acc.Count())
}

func TestBatchReconcileMissingResultIsFailure(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"))
	env.submitter.results = []batchapi.Result{
		extractResult(0, "page_1.png", "first page"),
		extractResult(2, "page_3.png", "third page"),
	}

	result, err := env.runner(t, false).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)

	failures, err := env.db.FailedPages(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "page_2.png", failures[0].Filename)
	assert.Contains(t, failures[0].Error, "no result returned")
}

func TestBatchReconcilePerResultError(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png"))
	env.submitter.results = []batchapi.Result{
		extractResult(0, "page_1.png", "first page"),
		{CorrelationID: CorrelationID(1, "page_2.png"), Error: "safety filter triggered"},
	}

	result, err := env.runner(t, false).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)

	failures, err := env.db.FailedPages(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "safety filter triggered", failures[0].Error)
}

func TestBatchReconcileDeduplicates(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png", "page_2.png"))
	env.submitter.results = []batchapi.Result{
		extractResult(0, "page_1.png", "identical text"),
		extractResult(1, "page_2.png", "identical text"),
	}

	result, err := env.runner(t, false).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 2, env.acc.Count())

	// no extraction happens locally during reconcile
	assert.Empty(t, env.cap.extractCalls)
}

func TestBatchReconcileRunsVerification(t *testing.T) {
	env := newBatchEnv(t, sourceOf("page_1.png"))
	env.cap.failVerify["page_1.png"] = true
	env.submitter.results = []batchapi.Result{
		extractResult(0, "page_1.png", "some text"),
	}

	result, err := env.runner(t, true).Reconcile(context.Background(), "job-test")
	require.NoError(t, err)

	assert.Equal(t, 1, result.NeedsReview)
	review, err := env.db.ReviewPages(context.Background())
	require.NoError(t, err)
	require.Len(t, review, 1)
}

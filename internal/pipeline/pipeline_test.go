package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/book-translator/config"
	"github.com/feichai0017/book-translator/internal/models"
	"github.com/feichai0017/book-translator/internal/progress"
	"github.com/feichai0017/book-translator/internal/store"
	"github.com/feichai0017/book-translator/pkg/accumulator"
	"github.com/feichai0017/book-translator/pkg/logger"
)

func testCfg() *config.PipelineConfig {
	return &config.PipelineConfig{
		BatchSize:         20,
		PauseEveryBatches: 5,
		PauseThreshold:    50,
		CheckpointEvery:   300,
		MaxPages:          500,
	}
}

func whiteImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

// stubSource serves in-memory pages, with optional per-page decode errors.
type stubPage struct {
	name string
	err  error
}

type stubSource struct {
	pages []stubPage
}

func (s *stubSource) Len() int { return len(s.pages) }

func (s *stubSource) Names() []string {
	names := make([]string, len(s.pages))
	for i, p := range s.pages {
		names[i] = p.name
	}
	return names
}

func (s *stubSource) Open(ctx context.Context, start int) (PageIterator, error) {
	return &stubIterator{ctx: ctx, source: s, next: start}, nil
}

type stubIterator struct {
	ctx    context.Context
	source *stubSource
	next   int
}

func (it *stubIterator) Next() (int, string, image.Image, bool, error) {
	if it.next >= len(it.source.pages) {
		return 0, "", nil, false, nil
	}
	if err := it.ctx.Err(); err != nil {
		return 0, "", nil, false, err
	}
	idx := it.next
	p := it.source.pages[idx]
	it.next++
	if p.err != nil {
		return idx, p.name, nil, true, p.err
	}
	return idx, p.name, whiteImage(), true, nil
}

func (it *stubIterator) Close() error { return nil }

func sourceOf(names ...string) *stubSource {
	pages := make([]stubPage, len(names))
	for i, n := range names {
		pages[i] = stubPage{name: n}
	}
	return &stubSource{pages: pages}
}

func numberedSource(n int) *stubSource {
	pages := make([]stubPage, n)
	for i := range pages {
		pages[i] = stubPage{name: fmt.Sprintf("page_%03d.png", i+1)}
	}
	return &stubSource{pages: pages}
}

// fakeCapability scripts the remote model per filename.
type fakeCapability struct {
	mu sync.Mutex

	// textFor overrides extracted text; default is the filename itself so
	// every page fingerprints uniquely.
	textFor map[string]string
	// pairsFor overrides translations; default is one pair per page.
	pairsFor map[string][]models.TranslationPair
	// extractErrFor fails extraction for the named pages.
	extractErrFor map[string]error
	// editErr fails every edit call when set.
	editErr error
	// failVerify marks these filenames as failing verification.
	failVerify map[string]bool

	extractCalls map[string]int
	editCalls    int
	verifyCalls  int

	current string
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{
		textFor:       map[string]string{},
		pairsFor:      map[string][]models.TranslationPair{},
		extractErrFor: map[string]error{},
		failVerify:    map[string]bool{},
		extractCalls:  map[string]int{},
	}
}

// The runner passes the filename through ProcessPage, but the capability
// only sees images. The stub tracks the page under test by intercepting
// ExtractAndTranslate calls in source order.
func (f *fakeCapability) ExtractAndTranslate(_ context.Context, _ image.Image) (string, []models.TranslationPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := f.current
	f.extractCalls[name]++
	if err, ok := f.extractErrFor[name]; ok {
		return "", nil, err
	}

	text := name + " body text"
	if t, ok := f.textFor[name]; ok {
		text = t
	}
	pairs := []models.TranslationPair{{Source: text, Translated: "translated " + text}}
	if p, ok := f.pairsFor[name]; ok {
		pairs = p
	}
	return text, pairs, nil
}

func (f *fakeCapability) EditImage(_ context.Context, img image.Image, _ []models.TranslationPair) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editCalls++
	if f.editErr != nil {
		return nil, f.editErr
	}
	return img, nil
}

func (f *fakeCapability) Verify(_ context.Context, _, _ image.Image, _ []models.TranslationPair) (models.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.failVerify[f.current] {
		return models.Verification{Passed: false, Issues: []string{"layout mismatch"}, Confidence: 0.4}, nil
	}
	return models.Verification{Passed: true, Confidence: 0.95}, nil
}

// trackingSource wraps a source so the fake capability knows which page is
// in flight.
type trackingSource struct {
	PageSource
	cap *fakeCapability
}

func (t *trackingSource) Open(ctx context.Context, start int) (PageIterator, error) {
	inner, err := t.PageSource.Open(ctx, start)
	if err != nil {
		return nil, err
	}
	return &trackingIterator{inner: inner, cap: t.cap}, nil
}

type trackingIterator struct {
	inner PageIterator
	cap   *fakeCapability
}

func (t *trackingIterator) Next() (int, string, image.Image, bool, error) {
	idx, name, img, ok, err := t.inner.Next()
	if ok {
		t.cap.mu.Lock()
		t.cap.current = name
		t.cap.mu.Unlock()
	}
	return idx, name, img, ok, err
}

func (t *trackingIterator) Close() error { return t.inner.Close() }

type runnerEnv struct {
	source  *trackingSource
	cap     *fakeCapability
	db      *store.DB
	acc     *accumulator.Accumulator
	tracker *progress.Tracker
	cfg     *config.PipelineConfig
	verify  bool
}

func newRunnerEnv(t *testing.T, src PageSource, verify bool, cfg *config.PipelineConfig) *runnerEnv {
	t.Helper()
	if cfg == nil {
		cfg = testCfg()
	}

	db, err := store.Open(t.TempDir(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	acc, err := accumulator.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Cleanup() })

	cap := newFakeCapability()
	return &runnerEnv{
		source:  &trackingSource{PageSource: src, cap: cap},
		cap:     cap,
		db:      db,
		acc:     acc,
		tracker: progress.NewTracker(src.Len(), cfg.BatchSize),
		cfg:     cfg,
		verify:  verify,
	}
}

func (e *runnerEnv) runner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(e.source, e.db, e.cap, e.acc, e.tracker, e.cfg, e.verify, logger.NewTestLogger())
}

func TestRunnerProcessesAllPages(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"), false, nil)

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.False(t, result.Suspended)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, env.acc.Count())

	stats, err := env.db.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats["completed"])
}

func TestRunnerDuplicateDetection(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"), false, nil)
	// pages 1 and 3 extract identical text
	env.cap.textFor["page_1.png"] = "repeated chapter heading"
	env.cap.textFor["page_3.png"] = "repeated chapter heading"

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Duplicates)
	// 重复页同样产出图片
	assert.Equal(t, 3, env.acc.Count())

	stats, err := env.db.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats["completed"])
	assert.Equal(t, 1, stats["duplicate"])
}

func TestRunnerEmptyPageSkipsEdit(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png"), false, nil)
	env.cap.textFor["page_1.png"] = ""
	env.cap.pairsFor["page_1.png"] = nil

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, env.cap.editCalls)
	// 原图直接作为结果
	assert.Equal(t, 1, env.acc.Count())
}

func TestRunnerEmptyPagesDeduplicate(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png"), false, nil)
	for _, name := range []string{"page_1.png", "page_2.png"} {
		env.cap.textFor[name] = "   \n  "
		env.cap.pairsFor[name] = nil
	}

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	// both blank pages share the sentinel fingerprint
	assert.Equal(t, 1, result.Duplicates)
}

func TestRunnerVerifyFailureFlagsReview(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png"), true, nil)
	env.cap.failVerify["page_2.png"] = true

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.NeedsReview)
	assert.Equal(t, 2, env.cap.verifyCalls)
	// flagged pages still produce output
	assert.Equal(t, 2, env.acc.Count())

	review, err := env.db.ReviewPages(context.Background())
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "page_2.png", review[0].Filename)
	assert.Equal(t, []string{"layout mismatch"}, review[0].Issues)

	stats, err := env.db.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["needs_review"])
}

func TestRunnerVerifyDisabledByDefault(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png"), false, nil)
	env.cap.failVerify["page_1.png"] = true

	_, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, env.cap.verifyCalls)
}

func TestRunnerPageFailureDoesNotAbortRun(t *testing.T) {
	env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png", "page_3.png"), false, nil)
	env.cap.extractErrFor["page_2.png"] = fmt.Errorf("model overloaded")

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, env.acc.Count())

	failures, err := env.db.FailedPages(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "page_2.png", failures[0].Filename)
	assert.Contains(t, failures[0].Error, "model overloaded")
}

func TestRunnerUnreadablePageIsRecorded(t *testing.T) {
	src := &stubSource{pages: []stubPage{
		{name: "page_1.png"},
		{name: "page_2.png", err: fmt.Errorf("decode page_2.png: corrupt data")},
		{name: "page_3.png"},
	}}
	env := newRunnerEnv(t, src, false, nil)

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)

	failures, err := env.db.FailedPages(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "page_2.png", failures[0].Filename)
}

func TestRunnerBatchPausesAt100And200(t *testing.T) {
	env := newRunnerEnv(t, numberedSource(250), false, nil)
	ctx := context.Background()

	// first leg stops before page index 100 (batch 5)
	result, err := env.runner(t).Run(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	assert.Equal(t, ReasonBatchPause, result.Checkpoint.Reason)
	assert.Equal(t, 100, result.Checkpoint.ResumeIndex)
	assert.Equal(t, 100, result.Processed)

	// resuming at 100 must not immediately pause again
	result, err = env.runner(t).Run(ctx, 100, 0)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	assert.Equal(t, ReasonBatchPause, result.Checkpoint.Reason)
	assert.Equal(t, 200, result.Checkpoint.ResumeIndex)
	assert.Equal(t, 100, result.Processed)

	// final leg runs to the end
	result, err = env.runner(t).Run(ctx, 200, 0)
	require.NoError(t, err)
	assert.False(t, result.Suspended)
	assert.Equal(t, 50, result.Processed)

	assert.Equal(t, 250, env.acc.Count())
}

func TestRunnerSmallRunNeverBatchPauses(t *testing.T) {
	// at the threshold, not above it
	env := newRunnerEnv(t, numberedSource(50), false, nil)

	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, result.Suspended)
	assert.Equal(t, 50, result.Processed)
}

func TestRunnerCheckpointRequiresConfirmation(t *testing.T) {
	cfg := testCfg()
	cfg.CheckpointEvery = 10
	cfg.PauseThreshold = 1000 // keep batch pauses out of the way
	env := newRunnerEnv(t, numberedSource(25), false, cfg)
	ctx := context.Background()

	result, err := env.runner(t).Run(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	assert.Equal(t, ReasonCheckpoint, result.Checkpoint.Reason)
	assert.Equal(t, 10, result.Checkpoint.ResumeIndex)

	// confirmed through 10: next stop is 20
	result, err = env.runner(t).Run(ctx, 10, 10)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	assert.Equal(t, ReasonCheckpoint, result.Checkpoint.Reason)
	assert.Equal(t, 20, result.Checkpoint.ResumeIndex)

	result, err = env.runner(t).Run(ctx, 20, 20)
	require.NoError(t, err)
	assert.False(t, result.Suspended)
	assert.Equal(t, 25, env.acc.Count())
}

func TestRunnerCheckpointBeatsBatchPause(t *testing.T) {
	cfg := testCfg()
	cfg.CheckpointEvery = 100
	env := newRunnerEnv(t, numberedSource(150), false, cfg)

	// index 100 is both a batch-pause boundary and a checkpoint; the
	// checkpoint wins because it needs explicit confirmation
	result, err := env.runner(t).Run(context.Background(), 0, 0)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	assert.Equal(t, ReasonCheckpoint, result.Checkpoint.Reason)
	assert.Equal(t, 100, result.Checkpoint.ResumeIndex)
}

func TestRunnerResumeDoesNotReprocess(t *testing.T) {
	env := newRunnerEnv(t, numberedSource(120), false, nil)
	ctx := context.Background()

	result, err := env.runner(t).Run(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, result.Suspended)

	_, err = env.runner(t).Run(ctx, result.Checkpoint.ResumeIndex, 0)
	require.NoError(t, err)

	for name, calls := range env.cap.extractCalls {
		assert.Equal(t, 1, calls, "page %s extracted more than once", name)
	}
	assert.Len(t, env.cap.extractCalls, 120)
}

func TestRunnerContextCancellation(t *testing.T) {
	env := newRunnerEnv(t, numberedSource(10), false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.runner(t).Run(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
	// even a dead run reports where it got to
	assert.Equal(t, 10, result.Progress.TotalPages)
}

// phaseRecordingCapability samples the tracker phase while pages are in
// flight; Run flips it to complete before returning.
type phaseRecordingCapability struct {
	*fakeCapability
	tracker *progress.Tracker
	phases  map[models.RunPhase]bool
}

func (c *phaseRecordingCapability) ExtractAndTranslate(ctx context.Context, img image.Image) (string, []models.TranslationPair, error) {
	c.phases[c.tracker.Snapshot().Phase] = true
	return c.fakeCapability.ExtractAndTranslate(ctx, img)
}

func TestRunnerPhaseTracksVerifyMode(t *testing.T) {
	for _, verify := range []bool{false, true} {
		env := newRunnerEnv(t, sourceOf("page_1.png", "page_2.png"), verify, nil)
		rec := &phaseRecordingCapability{
			fakeCapability: env.cap,
			tracker:        env.tracker,
			phases:         map[models.RunPhase]bool{},
		}
		runner := NewRunner(env.source, env.db, rec, env.acc, env.tracker, env.cfg, verify, logger.NewTestLogger())

		_, err := runner.Run(context.Background(), 0, 0)
		require.NoError(t, err)

		want := models.PhaseProcessing
		if verify {
			want = models.PhaseVerifying
		}
		assert.True(t, rec.phases[want], "verify=%v", verify)
		assert.Len(t, rec.phases, 1, "verify=%v", verify)
		assert.Equal(t, models.PhaseComplete, env.tracker.Snapshot().Phase)
	}
}

func TestCorrelationIDOrdering(t *testing.T) {
	assert.Equal(t, "page_0000_cover", CorrelationID(0, "cover.png"))
	assert.Equal(t, "page_0012_page_13", CorrelationID(12, "page_13.jpg"))
	// zero padding keeps lexicographic order aligned with submission order
	assert.Less(t, CorrelationID(2, "z.png"), CorrelationID(10, "a.png"))
}

func TestNaturalSort(t *testing.T) {
	names := []string{"page_10.png", "page_2.png", "page_1.png", "appendix.png"}
	sortNatural(names)
	assert.Equal(t, []string{"appendix.png", "page_1.png", "page_2.png", "page_10.png"}, names)
}

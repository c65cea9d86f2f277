package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/book-translator/internal/models"
)

// Defaults for the tracker; the pipeline config may override batch size.
const (
	DefaultBatchSize = 20

	// etaWindow is how many recent page durations feed the ETA average.
	etaWindow = 10

	// outlierThreshold discards a single-page duration as an anomaly
	// (stalled request, operator pause) rather than signal.
	outlierThreshold = 120 * time.Second
)

// BatchStatus 批次状态
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is one fixed-size slice of the page sequence, used only for
// progress display and pause granularity.
type Batch struct {
	Num            int         `json:"num"`
	StartIndex     int         `json:"startIndex"`
	EndIndex       int         `json:"endIndex"`
	Status         BatchStatus `json:"status"`
	PagesCompleted int         `json:"pagesCompleted"`
}

// Size returns the number of pages in the batch.
func (b Batch) Size() int {
	return b.EndIndex - b.StartIndex
}

// Progress returns batch completion in [0,1].
func (b Batch) Progress() float64 {
	if b.Size() == 0 {
		return 0
	}
	return float64(b.PagesCompleted) / float64(b.Size())
}

// Snapshot is a serializable copy of the tracker state, used for run
// checkpoints and status responses.
type Snapshot struct {
	TotalPages     int             `json:"totalPages"`
	CurrentPage    int             `json:"currentPage"`
	CurrentBatch   int             `json:"currentBatch"`
	TotalBatches   int             `json:"totalBatches"`
	BatchSize      int             `json:"batchSize"`
	Phase          models.RunPhase `json:"phase"`
	Batches        []Batch         `json:"batches"`
	Paused         bool            `json:"paused"`
	OverallPercent float64         `json:"overallPercent"`
	BatchPercent   float64         `json:"batchPercent"`
	ETASeconds     *int            `json:"etaSeconds,omitempty"`
	ETA            string          `json:"eta"`
	DurationsMs    []int64         `json:"durationsMs,omitempty"`
}

// Tracker maintains batch/page counters and a rolling-average ETA for one
// run. It is owned by the run; concurrent reads come from status queries.
type Tracker struct {
	mu           sync.Mutex
	totalPages   int
	currentPage  int
	currentBatch int
	batchSize    int
	phase        models.RunPhase
	batches      []Batch
	durations    []time.Duration
	paused       bool
}

// NewTracker builds a tracker with batches partitioned over totalPages.
func NewTracker(totalPages, batchSize int) *Tracker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Tracker{
		totalPages: totalPages,
		batchSize:  batchSize,
		phase:      models.PhaseIdle,
		batches:    makeBatches(totalPages, batchSize),
	}
}

// Restore rebuilds a tracker from a checkpoint snapshot.
func Restore(s Snapshot) *Tracker {
	t := &Tracker{
		totalPages:   s.TotalPages,
		currentPage:  s.CurrentPage,
		currentBatch: s.CurrentBatch,
		batchSize:    s.BatchSize,
		phase:        s.Phase,
		paused:       s.Paused,
	}
	if len(s.Batches) > 0 {
		t.batches = append([]Batch(nil), s.Batches...)
	} else {
		t.batches = makeBatches(s.TotalPages, s.BatchSize)
	}
	for _, ms := range s.DurationsMs {
		t.durations = append(t.durations, time.Duration(ms)*time.Millisecond)
	}
	return t
}

func makeBatches(totalPages, batchSize int) []Batch {
	if totalPages <= 0 {
		return nil
	}
	numBatches := (totalPages + batchSize - 1) / batchSize
	batches := make([]Batch, 0, numBatches)
	for i := 0; i < numBatches; i++ {
		end := (i + 1) * batchSize
		if end > totalPages {
			end = totalPages
		}
		batches = append(batches, Batch{
			Num:        i + 1,
			StartIndex: i * batchSize,
			EndIndex:   end,
			Status:     BatchPending,
		})
	}
	return batches
}

// SetPhase updates the processing phase.
func (t *Tracker) SetPhase(phase models.RunPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
}

// SetPaused flips the pause flag.
func (t *Tracker) SetPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = paused
}

// StartPage marks page i as in flight and its batch as processing.
func (t *Tracker) StartPage(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentPage = i
	batchIdx := i / t.batchSize
	t.currentBatch = batchIdx
	if batchIdx < len(t.batches) {
		t.batches[batchIdx].Status = BatchProcessing
		t.batches[batchIdx].PagesCompleted = i % t.batchSize
	}
}

// FinishPage marks page i done and advances counters.
func (t *Tracker) FinishPage(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentPage = i + 1
	batchIdx := i / t.batchSize
	if batchIdx < len(t.batches) {
		t.batches[batchIdx].PagesCompleted = i%t.batchSize + 1
		if t.batches[batchIdx].PagesCompleted >= t.batches[batchIdx].Size() {
			t.batches[batchIdx].Status = BatchCompleted
		}
	}
}

// Complete marks the run finished.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPage = t.totalPages
	t.phase = models.PhaseComplete
	for i := range t.batches {
		if t.batches[i].Status == BatchProcessing {
			t.batches[i].Status = BatchCompleted
		}
	}
}

// ObserveDuration records one page's processing duration for the ETA
// average. Non-positive durations and outliers are ignored.
func (t *Tracker) ObserveDuration(d time.Duration) {
	if d <= 0 || d >= outlierThreshold {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations = append(t.durations, d)
	if len(t.durations) > etaWindow {
		t.durations = t.durations[len(t.durations)-etaWindow:]
	}
}

// ETA estimates remaining time from the rolling average. The second return
// is false until at least 2 durations have been observed.
func (t *Tracker) ETA() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked()
}

func (t *Tracker) etaLocked() (time.Duration, bool) {
	if len(t.durations) < 2 {
		return 0, false
	}

	var total time.Duration
	for _, d := range t.durations {
		total += d
	}
	avg := total / time.Duration(len(t.durations))

	remaining := t.totalPages - t.currentPage
	if remaining < 0 {
		remaining = 0
	}
	return avg * time.Duration(remaining), true
}

// FormatETA renders the estimate for humans.
func (t *Tracker) FormatETA() string {
	eta, ok := t.ETA()
	if !ok {
		return "Calculating..."
	}
	return formatSeconds(int(eta.Seconds()))
}

func formatSeconds(secs int) string {
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
}

// OverallPercent returns overall completion in [0,100].
func (t *Tracker) OverallPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalPages == 0 {
		return 0
	}
	return float64(t.currentPage) / float64(t.totalPages) * 100
}

// BatchPercent returns current batch completion in [0,100].
func (t *Tracker) BatchPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentBatch >= len(t.batches) {
		return 0
	}
	return t.batches[t.currentBatch].Progress() * 100
}

// Snapshot returns a serializable copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		TotalPages:   t.totalPages,
		CurrentPage:  t.currentPage,
		CurrentBatch: t.currentBatch,
		TotalBatches: len(t.batches),
		BatchSize:    t.batchSize,
		Phase:        t.phase,
		Batches:      append([]Batch(nil), t.batches...),
		Paused:       t.paused,
	}
	if t.totalPages > 0 {
		s.OverallPercent = float64(t.currentPage) / float64(t.totalPages) * 100
	}
	if t.currentBatch < len(t.batches) {
		s.BatchPercent = t.batches[t.currentBatch].Progress() * 100
	}
	if eta, ok := t.etaLocked(); ok {
		secs := int(eta.Seconds())
		s.ETASeconds = &secs
		s.ETA = formatSeconds(secs)
	} else {
		s.ETA = "Calculating..."
	}
	for _, d := range t.durations {
		s.DurationsMs = append(s.DurationsMs, d.Milliseconds())
	}
	return s
}

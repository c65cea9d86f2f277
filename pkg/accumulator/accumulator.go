package accumulator

import (
	"archive/zip"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// Accumulator collects per-page output images on disk and packages them
// into a zip archive on demand. Results live in a dedicated directory so a
// run can be resumed without keeping anything in memory.
type Accumulator struct {
	mu    sync.Mutex
	dir   string
	count int
}

// New creates an accumulator backed by a fresh temp directory.
func New(baseDir string) (*Accumulator, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create result base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(baseDir, "results-*")
	if err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &Accumulator{dir: dir}, nil
}

// Open re-attaches to an existing result directory, recounting saved pages.
// Used on run resume.
func Open(dir string) (*Accumulator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open result dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			count++
		}
	}
	return &Accumulator{dir: dir, count: count}, nil
}

// OutputName maps a source page filename to its result filename.
func OutputName(filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return "translated_" + stem + ".png"
}

// Save writes one page result as PNG under the output name derived from
// the source filename. Saving the same page twice overwrites.
func (a *Accumulator) Save(filename string, img image.Image) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, OutputName(filename))
	_, statErr := os.Stat(path)
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save result for %s: %w", filename, err)
	}
	if statErr != nil {
		a.count++
	}
	return nil
}

// SaveRaw writes already-encoded PNG bytes, used when a result arrives over
// the wire and decoding it again would be wasted work.
func (a *Accumulator) SaveRaw(filename string, png []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, OutputName(filename))
	_, statErr := os.Stat(path)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("save result for %s: %w", filename, err)
	}
	if statErr != nil {
		a.count++
	}
	return nil
}

// Count returns the number of saved results.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Dir returns the backing directory, recorded in run state for resume.
func (a *Accumulator) Dir() string {
	return a.dir
}

// ExportZip streams all saved results into w as a zip archive, entries in
// filename order. Results are read from disk, never buffered whole.
func (a *Accumulator) ExportZip(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("read result dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, name := range names {
		f, err := os.Open(filepath.Join(a.dir, name))
		if err != nil {
			zw.Close()
			return fmt.Errorf("open result %s: %w", name, err)
		}
		entry, err := zw.Create(name)
		if err != nil {
			f.Close()
			zw.Close()
			return fmt.Errorf("add zip entry %s: %w", name, err)
		}
		if _, err := io.Copy(entry, f); err != nil {
			f.Close()
			zw.Close()
			return fmt.Errorf("write zip entry %s: %w", name, err)
		}
		f.Close()
	}
	return zw.Close()
}

// Cleanup removes the result directory. Safe to call more than once.
func (a *Accumulator) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dir == "" {
		return nil
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("remove result dir: %w", err)
	}
	a.dir = ""
	a.count = 0
	return nil
}

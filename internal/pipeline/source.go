package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// supportedExts are the page image formats accepted from uploads.
var supportedExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// SupportedImage reports whether the filename has an accepted extension.
func SupportedImage(name string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(name))]
}

// PageSource enumerates the pages of a run in processing order. Open can be
// called repeatedly with different start offsets so a resumed run skips
// already-processed pages without decoding them.
type PageSource interface {
	Len() int
	Names() []string
	Open(ctx context.Context, start int) (PageIterator, error)
}

// PageIterator yields pages one at a time. Next returns the page index,
// filename and decoded image; ok is false when the source is exhausted.
type PageIterator interface {
	Next() (idx int, filename string, img image.Image, ok bool, err error)
	Close() error
}

// CorrelationID ties a submitted page to its asynchronous result. The
// zero-padded index keeps lexicographic order equal to submission order.
func CorrelationID(idx int, filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return fmt.Sprintf("page_%04d_%s", idx, stem)
}

// naturalLess orders filenames so that page_2 sorts before page_10. Runs of
// digits compare numerically, everything else byte-wise.
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		aDigit := a[0] >= '0' && a[0] <= '9'
		bDigit := b[0] >= '0' && b[0] <= '9'
		if aDigit && bDigit {
			aNum, aRest := splitLeadingDigits(a)
			bNum, bRest := splitLeadingDigits(b)
			if aNum != bNum {
				return aNum < bNum
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func splitLeadingDigits(s string) (int64, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.ParseInt(s[:i], 10, 64)
	return n, s[i:]
}

func sortNatural(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
}

// flattenWhite composites the image onto a white background, stripping any
// alpha channel. Page scans with transparency would otherwise come out
// black after edit round trips.
func flattenWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, bounds, img, bounds.Min, draw.Over)
	return out
}

// DirSource reads pages from a directory of image files.
type DirSource struct {
	dir   string
	names []string
}

// NewDirSource scans dir for supported images and fixes their order.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read page dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && SupportedImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no page images in %s", dir)
	}
	sortNatural(names)
	return &DirSource{dir: dir, names: names}, nil
}

func (s *DirSource) Len() int { return len(s.names) }

func (s *DirSource) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *DirSource) Open(ctx context.Context, start int) (PageIterator, error) {
	if start < 0 || start > len(s.names) {
		return nil, fmt.Errorf("start index %d out of range [0,%d]", start, len(s.names))
	}
	return &dirIterator{ctx: ctx, source: s, next: start}, nil
}

type dirIterator struct {
	ctx    context.Context
	source *DirSource
	next   int
}

func (it *dirIterator) Next() (int, string, image.Image, bool, error) {
	if it.next >= len(it.source.names) {
		return 0, "", nil, false, nil
	}
	if err := it.ctx.Err(); err != nil {
		return 0, "", nil, false, err
	}

	idx := it.next
	name := it.source.names[idx]
	it.next++

	img, err := imaging.Open(filepath.Join(it.source.dir, name))
	if err != nil {
		return idx, name, nil, true, fmt.Errorf("decode %s: %w", name, err)
	}
	return idx, name, flattenWhite(img), true, nil
}

func (it *dirIterator) Close() error { return nil }

// ZipSource reads pages from a zip archive without extracting it. Directory
// entries and archive junk (__MACOSX, dotfiles) are skipped.
type ZipSource struct {
	path    string
	names   []string
	entries map[string]string // page name -> full path inside the archive
}

// NewZipSource indexes the archive's supported images.
func NewZipSource(path string) (*ZipSource, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	entries := make(map[string]string)
	var names []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(f.Name)
		if strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(base, ".") {
			continue
		}
		if !SupportedImage(base) {
			continue
		}
		if _, dup := entries[base]; dup {
			return nil, fmt.Errorf("duplicate page name %s in archive", base)
		}
		entries[base] = f.Name
		names = append(names, base)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no page images in %s", path)
	}
	sortNatural(names)
	return &ZipSource{path: path, names: names, entries: entries}, nil
}

func (s *ZipSource) Len() int { return len(s.names) }

func (s *ZipSource) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *ZipSource) Open(ctx context.Context, start int) (PageIterator, error) {
	if start < 0 || start > len(s.names) {
		return nil, fmt.Errorf("start index %d out of range [0,%d]", start, len(s.names))
	}
	r, err := zip.OpenReader(s.path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return &zipIterator{ctx: ctx, source: s, reader: r, next: start}, nil
}

type zipIterator struct {
	ctx    context.Context
	source *ZipSource
	reader *zip.ReadCloser
	next   int
}

func (it *zipIterator) Next() (int, string, image.Image, bool, error) {
	if it.next >= len(it.source.names) {
		return 0, "", nil, false, nil
	}
	if err := it.ctx.Err(); err != nil {
		return 0, "", nil, false, err
	}

	idx := it.next
	name := it.source.names[idx]
	it.next++

	f, err := it.reader.Open(it.source.entries[name])
	if err != nil {
		return idx, name, nil, true, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return idx, name, nil, true, fmt.Errorf("decode %s: %w", name, err)
	}
	return idx, name, flattenWhite(img), true, nil
}

func (it *zipIterator) Close() error {
	return it.reader.Close()
}

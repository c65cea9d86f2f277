package validator

import (
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"
)

// UploadLimits bounds one run's worth of uploaded pages.
type UploadLimits struct {
	MaxPages    int
	MaxFileSize int64
}

var allowedExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// ValidatePages checks a set of uploaded page images against the limits.
func ValidatePages(files []*multipart.FileHeader, limits UploadLimits) error {
	if len(files) == 0 {
		return fmt.Errorf("no files uploaded")
	}
	if limits.MaxPages > 0 && len(files) > limits.MaxPages {
		return fmt.Errorf("too many pages: %d exceeds limit of %d", len(files), limits.MaxPages)
	}

	for _, f := range files {
		if err := validateOne(f, limits, allowedExts); err != nil {
			return err
		}
	}
	return nil
}

// ValidateZip checks a single uploaded archive.
func ValidateZip(header *multipart.FileHeader, limits UploadLimits) error {
	if header == nil {
		return fmt.Errorf("no file uploaded")
	}
	return validateOne(header, limits, map[string]bool{".zip": true})
}

func validateOne(f *multipart.FileHeader, limits UploadLimits, exts map[string]bool) error {
	ext := strings.ToLower(filepath.Ext(f.Filename))
	if !exts[ext] {
		return fmt.Errorf("unsupported file type %q for %s", ext, f.Filename)
	}
	if limits.MaxFileSize > 0 && f.Size > limits.MaxFileSize {
		return fmt.Errorf("file %s too large: %d bytes exceeds limit of %d", f.Filename, f.Size, limits.MaxFileSize)
	}
	return nil
}

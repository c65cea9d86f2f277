package validator

import (
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(name string, size int64) *multipart.FileHeader {
	return &multipart.FileHeader{Filename: name, Size: size}
}

func limits() UploadLimits {
	return UploadLimits{MaxPages: 500, MaxFileSize: 50 * 1024 * 1024}
}

func TestValidatePages(t *testing.T) {
	err := ValidatePages([]*multipart.FileHeader{
		header("page_1.png", 1024),
		header("page_2.JPG", 2048),
		header("page_3.webp", 512),
	}, limits())
	assert.NoError(t, err)
}

func TestValidatePagesEmpty(t *testing.T) {
	assert.Error(t, ValidatePages(nil, limits()))
}

func TestValidatePagesTooMany(t *testing.T) {
	files := make([]*multipart.FileHeader, 501)
	for i := range files {
		files[i] = header("page.png", 100)
	}
	err := ValidatePages(files, limits())
	assert.ErrorContains(t, err, "too many pages")
}

func TestValidatePagesBadType(t *testing.T) {
	err := ValidatePages([]*multipart.FileHeader{header("notes.pdf", 100)}, limits())
	assert.ErrorContains(t, err, "unsupported file type")
}

func TestValidatePagesTooLarge(t *testing.T) {
	err := ValidatePages([]*multipart.FileHeader{header("page.png", 51*1024*1024)}, limits())
	assert.ErrorContains(t, err, "too large")
}

func TestValidateZip(t *testing.T) {
	assert.NoError(t, ValidateZip(header("book.zip", 1024), limits()))
	assert.Error(t, ValidateZip(header("book.rar", 1024), limits()))
	assert.Error(t, ValidateZip(nil, limits()))
}

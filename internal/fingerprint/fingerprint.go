package fingerprint

import (
	"context"
	"strings"
)

// Length is the fingerprint prefix length in runes. Truncating on runes
// rather than bytes keeps multi-byte scripts from splitting mid-character.
const Length = 100

// EmptyPageKey is the reserved fingerprint for pages with no extracted text.
const EmptyPageKey = "EMPTY_PAGE"

// Key derives the dedup key for a page from its extracted text: the trimmed
// text truncated to Length runes. Matching is exact and case-sensitive;
// near-duplicates that differ inside the prefix are deliberately missed in
// exchange for a cheap equality check.
func Key(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return EmptyPageKey
	}

	runes := []rune(trimmed)
	if len(runes) > Length {
		return string(runes[:Length])
	}
	return trimmed
}

// Lookup is the store query the index needs.
type Lookup interface {
	FindCompletedByFingerprint(ctx context.Context, fingerprint string) (int64, bool, error)
}

// Index answers duplicate queries against previously completed pages.
type Index struct {
	store Lookup
}

func NewIndex(store Lookup) *Index {
	return &Index{store: store}
}

// FindDuplicate returns the id of the earliest completed page sharing the
// key, if any.
func (ix *Index) FindDuplicate(ctx context.Context, key string) (int64, bool, error) {
	return ix.store.FindCompletedByFingerprint(ctx, key)
}

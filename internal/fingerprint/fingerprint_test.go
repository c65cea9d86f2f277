package fingerprint

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", EmptyPageKey},
		{"whitespace only", "  \n\t  ", EmptyPageKey},
		{"short text", "hello world", "hello world"},
		{"trims surrounding space", "  hello  ", "hello"},
		{"exactly at limit", strings.Repeat("a", Length), strings.Repeat("a", Length)},
		{"truncates beyond limit", strings.Repeat("a", Length+50), strings.Repeat("a", Length)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.text))
		})
	}
}

func TestKeyMultibyteRunes(t *testing.T) {
	// 150 CJK runes, each 3 bytes in UTF-8
	text := strings.Repeat("页", 150)
	key := Key(text)

	assert.Equal(t, Length, len([]rune(key)))
	assert.Equal(t, strings.Repeat("页", Length), key)
}

func TestKeyDiffersOutsidePrefix(t *testing.T) {
	base := strings.Repeat("x", Length)
	a := base + "tail one"
	b := base + "completely different tail"

	// differences past the prefix are invisible to the key
	assert.Equal(t, Key(a), Key(b))
}

type fakeLookup struct {
	byKey map[string]int64
}

func (f *fakeLookup) FindCompletedByFingerprint(_ context.Context, key string) (int64, bool, error) {
	id, ok := f.byKey[key]
	return id, ok, nil
}

func TestIndexFindDuplicate(t *testing.T) {
	ix := NewIndex(&fakeLookup{byKey: map[string]int64{"some text": 7}})

	id, found, err := ix.FindDuplicate(context.Background(), "some text")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), id)

	_, found, err = ix.FindDuplicate(context.Background(), "other text")
	require.NoError(t, err)
	assert.False(t, found)
}

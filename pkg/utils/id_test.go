package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIDShape(t *testing.T) {
	id := GenerateID()
	assert.Len(t, id, 24)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGetTimeFromID(t *testing.T) {
	before := time.Now().Add(-2 * time.Second)
	id := GenerateID()
	got, err := GetTimeFromID(id)
	require.NoError(t, err)
	assert.True(t, got.After(before))
	assert.True(t, got.Before(time.Now().Add(2*time.Second)))

	_, err = GetTimeFromID("short")
	assert.Error(t, err)

	_, err = GetTimeFromID("zzzzzzzz_rest")
	assert.Error(t, err)
}

func TestGenerateTimestampPrefix(t *testing.T) {
	p := GenerateTimestampPrefix()
	require.Len(t, p, 9)
	assert.Equal(t, byte('_'), p[8])

	_, err := GetTimeFromID(p + "dump.json")
	assert.NoError(t, err)
}

func TestDetectMimeAndExt(t *testing.T) {
	mimeType, ext := DetectMimeAndExt([]byte("{\"a\": 1}"))
	assert.Equal(t, "text/plain; charset=utf-8", mimeType)
	assert.NotEmpty(t, ext)

	pngHeader := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	mimeType, ext = DetectMimeAndExt(pngHeader)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, ".png", ext)

	mimeType, ext = DetectMimeAndExt(nil)
	assert.Equal(t, "application/octet-stream", mimeType)
	assert.Equal(t, ".bin", ext)
}

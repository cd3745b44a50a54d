// File: internal/screenshot/loader_test.go
package screenshot

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// completePNG wraps payload in a PNG signature and IEND trailer.
func completePNG(payload string) []byte {
	data := append(append([]byte{}, pngHeader...), payload...)
	return append(data, "\x00\x00\x00\x00IEND\xaeB`\x82"...)
}

func TestLoader_CloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 20; i++ {
		l := NewLoader(time.Minute, 4, zaptest.NewLogger(t))
		l.Close()
	}
}

func TestLoader_LoadPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"one.png", "two.png", "three.png", "four.png", "five.png"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, completePNG(name), 0o644))
		paths = append(paths, p)
	}

	l := NewLoader(time.Minute, 16, zaptest.NewLogger(t))
	defer l.Close()

	images, err := l.Load(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, images, len(paths))
	for i, img := range images {
		assert.Equal(t, paths[i], img.Path)
		assert.Equal(t, "image/png", img.MIME)
		assert.Contains(t, string(img.Data), filepath.Base(paths[i]))
	}
	assert.Equal(t, len(paths), l.Cached())
}

func TestLoader_ServesFromCache(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(p, completePNG("frame"), 0o644))

	l := NewLoader(time.Minute, 0, zaptest.NewLogger(t))
	defer l.Close()

	var reads atomic.Int32
	l.read = func(path string) ([]byte, error) {
		reads.Add(1)
		return os.ReadFile(path)
	}

	for i := 0; i < 3; i++ {
		_, err := l.Load(context.Background(), []string{p})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), reads.Load())
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader(time.Minute, 4, zaptest.NewLogger(t))
	defer l.Close()

	_, err := l.Load(context.Background(), []string{filepath.Join(t.TempDir(), "gone.png")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestLoader_EmptyFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.png")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	l := NewLoader(time.Minute, 4, zaptest.NewLogger(t))
	defer l.Close()

	_, err := l.Load(context.Background(), []string{p})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestLoader_PartialCaptureNotCached(t *testing.T) {
	p := filepath.Join(t.TempDir(), "partial.png")
	require.NoError(t, os.WriteFile(p, pngHeader, 0o644))

	l := NewLoader(time.Minute, 4, zaptest.NewLogger(t))
	defer l.Close()

	var reads atomic.Int32
	l.read = func(path string) ([]byte, error) {
		reads.Add(1)
		return os.ReadFile(path)
	}

	_, err := l.Load(context.Background(), []string{p})
	require.NoError(t, err)
	assert.Equal(t, 0, l.Cached())

	require.NoError(t, os.WriteFile(p, completePNG("frame"), 0o644))
	images, err := l.Load(context.Background(), []string{p})
	require.NoError(t, err)
	assert.Equal(t, completePNG("frame"), images[0].Data, "the finished file must be re-read")
	assert.Equal(t, int32(2), reads.Load())
	assert.Equal(t, 1, l.Cached())
}

func TestComplete(t *testing.T) {
	assert.True(t, Complete(completePNG("frame")))
	assert.False(t, Complete(pngHeader))
	assert.True(t, Complete([]byte("GIF89a")), "formats without a known trailer count as complete")
}

// File: internal/screenshot/loader.go
package screenshot

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Image is a loaded capture ready to be attached to a model request.
type Image struct {
	Path string
	MIME string
	Data []byte
}

// Loader reads captures from disk. Captures are immutable once written, so
// they are cached by path; consecutive prompts share all but one image.
type Loader struct {
	cache *ttlcache.Cache[string, Image]
	read  func(string) ([]byte, error)
	// limit bounds concurrent reads.
	limit  int
	logger *zap.Logger
}

// NewLoader creates a loader whose cache holds up to capacity images for ttl.
func NewLoader(ttl time.Duration, capacity uint64, logger *zap.Logger) *Loader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	opts := []ttlcache.Option[string, Image]{
		ttlcache.WithTTL[string, Image](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Image](capacity))
	}
	// Expired items are skipped on Get and capacity evicts the oldest, so
	// the cache runs without its background expiration loop.
	return &Loader{
		cache:  ttlcache.New[string, Image](opts...),
		read:   os.ReadFile,
		limit:  4,
		logger: logger.Named("loader"),
	}
}

// Load reads every path in parallel and returns the images in the same order.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Image, error) {
	images := make([]Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.limit)

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := l.load(p)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (l *Loader) load(path string) (Image, error) {
	if item := l.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	data, err := l.read(path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: read %s: %w", ErrStorageUnavailable, path, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: %s is empty", ErrStorageUnavailable, path)
	}
	img := Image{Path: path, MIME: http.DetectContentType(data), Data: data}
	if !Complete(data) {
		l.logger.Warn("Screenshot is still being written, not caching", zap.String("path", path), zap.Int("bytes", len(data)))
		return img, nil
	}
	l.cache.Set(path, img, ttlcache.DefaultTTL)
	l.logger.Debug("Loaded screenshot", zap.String("path", path), zap.Int("bytes", len(data)))
	return img, nil
}

// Cached reports how many images are currently cached.
func (l *Loader) Cached() int { return l.cache.Len() }

// Close drops every cached image.
func (l *Loader) Close() {
	l.cache.DeleteAll()
}

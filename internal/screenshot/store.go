// File: internal/screenshot/store.go
//
// Package screenshot manages the directory shared with the emulator. The
// bridge writes captures into it; the client names destinations, selects the
// most recent captures by modification time and loads them for prompting.
package screenshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/config"
)

const (
	filePrefix = "screenshot_"
	fileSuffix = ".png"
	// stampLayout is fixed width so names also sort chronologically.
	stampLayout = "20060102_150405.000000000"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	// pngTrailer is the IEND chunk type and its fixed CRC.
	pngTrailer = []byte("IEND\xaeB`\x82")
)

// Complete reports whether data holds a whole image. PNG data must end with
// its IEND chunk; other formats cannot be checked and count as complete.
func Complete(data []byte) bool {
	if !bytes.HasPrefix(data, pngSignature) {
		return true
	}
	return bytes.HasSuffix(data, pngTrailer)
}

var (
	// ErrStorageUnavailable is returned when the screenshot directory cannot be created or read.
	ErrStorageUnavailable = errors.New("screenshot storage unavailable")
	// ErrInsufficientState is matched by *InsufficientStateError.
	ErrInsufficientState = errors.New("not enough screenshots available")
)

// InsufficientStateError reports that fewer captures exist than a prompt needs.
type InsufficientStateError struct {
	Want int
	Have int
}

func (e *InsufficientStateError) Error() string {
	return fmt.Sprintf("%s: want %d, have %d", ErrInsufficientState, e.Want, e.Have)
}

func (e *InsufficientStateError) Is(target error) bool { return target == ErrInsufficientState }

// Store is the append-only screenshot directory.
type Store struct {
	dir          string
	waitTimeout  time.Duration
	pollInterval time.Duration
	watcher      *Watcher
	now          func() time.Time
	logger       *zap.Logger
}

// New resolves the configured directory, creates it, and starts a change
// watcher when enabled. A watcher that cannot start only costs wake-ups;
// selection falls back to polling.
func New(cfg config.ScreenshotConfig, logger *zap.Logger) (*Store, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrStorageUnavailable, cfg.Dir, err)
	}
	s := &Store{
		dir:          dir,
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
		logger:       logger.Named("screenshot"),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 50 * time.Millisecond
	}
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}

	if cfg.Watch {
		w, err := NewWatcher(dir, s.logger)
		if err != nil {
			s.logger.Warn("Directory watcher unavailable, falling back to polling", zap.String("dir", dir), zap.Error(err))
		} else {
			s.watcher = w
		}
	}
	return s, nil
}

// Dir returns the absolute screenshot directory.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the directory if it does not exist.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStorageUnavailable, s.dir, err)
	}
	return nil
}

// NextPath returns a fresh timestamped destination inside the directory.
func (s *Store) NextPath() string {
	name := filePrefix + s.now().Format(stampLayout) + fileSuffix
	return filepath.Join(s.dir, name)
}

type entry struct {
	path    string
	modTime time.Time
}

// Latest returns the n most recently modified captures, oldest first.
func (s *Store) Latest(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStorageUnavailable, s.dir, err)
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() || !strings.HasSuffix(strings.ToLower(de.Name()), fileSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		if info.Size() == 0 {
			// Still being written.
			continue
		}
		entries = append(entries, entry{path: filepath.Join(s.dir, de.Name()), modTime: info.ModTime()})
	}

	if len(entries) < n {
		return nil, &InsufficientStateError{Want: n, Have: len(entries)}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	out := make([]string, n)
	for i, e := range entries[len(entries)-n:] {
		out[i] = e.path
	}
	return out, nil
}

// Select waits until the capture at newest has landed and n captures are
// available, then returns the n most recent oldest first. The wait uses
// exponential backoff bounded by the configured wait timeout and is woken
// early by directory events.
func (s *Store) Select(ctx context.Context, n int, newest string) ([]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollInterval
	b.MaxInterval = 20 * s.pollInterval
	b.MaxElapsedTime = s.waitTimeout
	b.Reset()

	var lastSize int64 = -1
	attempt := 0
	for {
		attempt++
		paths, err := s.trySelect(n, newest, &lastSize)
		if err == nil {
			if attempt > 1 {
				s.logger.Debug("Selection satisfied after waiting", zap.Int("attempts", attempt))
			}
			return paths, nil
		}
		if !errors.Is(err, ErrInsufficientState) {
			return nil, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop || s.waitTimeout <= 0 {
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting for screenshots: %w", ctx.Err())
		case <-timer.C:
		case <-s.wake():
			timer.Stop()
		}
	}
}

// trySelect succeeds once newest has landed: a complete PNG, or any file whose
// size held between two polls. lastSize carries the previous poll's size.
func (s *Store) trySelect(n int, newest string, lastSize *int64) ([]string, error) {
	paths, err := s.Latest(n)
	if err != nil {
		return nil, err
	}
	if newest == "" {
		return paths, nil
	}
	abs, err := filepath.Abs(newest)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrStorageUnavailable, newest, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil || len(data) == 0 || (!landed(data) && int64(len(data)) != *lastSize) {
		// The bridge has acknowledged but not yet flushed the capture.
		if err == nil {
			*lastSize = int64(len(data))
		}
		return nil, &InsufficientStateError{Want: n, Have: len(paths) - 1}
	}
	if paths[len(paths)-1] != abs {
		// A newer file's mtime may tie with an older one on coarse filesystems;
		// the capture just requested is always the newest state.
		filtered := make([]string, 0, n)
		for _, p := range paths {
			if p != abs {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == n {
			filtered = filtered[1:]
		}
		paths = append(filtered, abs)
	}
	return paths, nil
}

// landed is true only for PNG data whose trailer has been written.
func landed(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature) && bytes.HasSuffix(data, pngTrailer)
}

// wake returns the watcher's notification channel, or nil (never ready) when polling.
func (s *Store) wake() <-chan struct{} {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.C()
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

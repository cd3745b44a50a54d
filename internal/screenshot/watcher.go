// File: internal/screenshot/watcher.go
package screenshot

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher turns file system events in the screenshot directory into
// coalesced wake-up signals.
type Watcher struct {
	fs     *fsnotify.Watcher
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		fs:     fw,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.Named("watcher"),
	}
	go w.run()
	return w, nil
}

// C delivers at most one pending signal; bursts of events collapse into one.
func (w *Watcher) C() <-chan struct{} { return w.notify }

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), fileSuffix) {
				continue
			}
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fs.Close()
		<-w.done
	})
	return err
}

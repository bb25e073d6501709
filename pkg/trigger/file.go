package trigger

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDefault collapses the write/chmod/rename bursts editors produce.
const debounceDefault = 200 * time.Millisecond

// FileNotifier notifies when any of a set of files is written, created,
// renamed or removed. Parent directories are watched so that files replaced
// by an atomic rename keep being observed.
type FileNotifier struct {
	paths    map[string]bool
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileNotifier creates a FileNotifier for paths.
func NewFileNotifier(paths []string, logger *zap.Logger) *FileNotifier {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[filepath.Clean(p)] = true
	}
	return &FileNotifier{paths: set, debounce: debounceDefault, logger: logger}
}

func (f *FileNotifier) Name() string {
	return "file"
}

func (f *FileNotifier) Start(notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for p := range f.paths {
		dirs[filepath.Dir(p)] = true
	}
	watched := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			f.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of %d watch directories could be watched", len(dirs))
	}

	f.watcher = watcher
	f.done = make(chan struct{})
	f.wg.Add(1)
	go f.run(notify)
	return nil
}

func (f *FileNotifier) run(notify func()) {
	defer f.wg.Done()

	debounceTimer := time.NewTimer(f.debounce)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-f.done:
			return

		case <-debounceTimer.C:
			notify()

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !f.paths[filepath.Clean(event.Name)] || event.Op == fsnotify.Chmod {
				continue
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(f.debounce)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (f *FileNotifier) Stop() {
	if f.watcher == nil {
		return
	}
	close(f.done)
	_ = f.watcher.Close()
	f.wg.Wait()
	f.watcher = nil
}

package store

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
)

// DirWatcher notifies the background agent's on-disk artifact GC pass
// when an entry directly inside the state save directory is created,
// removed or renamed: the snapshot file rotating (spec.md §4.7's
// write-new/rotate-old/rename sequence) or a hash.N bucket directory
// appearing or disappearing. Job directories one level further down
// are not watched. It is a thin wrapper over fsnotify rather than
// a poll loop, matching how the pack's other watchers (config.Watcher)
// use a ticker for content they must checksum but reach for real
// filesystem notification when only presence/absence matters.
type DirWatcher struct {
	w       *fsnotify.Watcher
	Changes chan string
}

// WatchDir starts watching dir non-recursively. The caller must call
// Close when done to release the underlying inotify/kqueue handle.
func WatchDir(dir string) (*DirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close() //nolint:errcheck
		return nil, err
	}
	dw := &DirWatcher{w: w, Changes: make(chan string, 16)}
	go dw.loop()
	return dw, nil
}

func (dw *DirWatcher) loop() {
	for {
		select {
		case ev, ok := <-dw.w.Events:
			if !ok {
				close(dw.Changes)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case dw.Changes <- ev.Name:
			default:
				// GC pass already has a pending trigger; dropping a
				// duplicate notification is harmless.
			}
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			log.Log(log.Store).Warn("state directory watch error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (dw *DirWatcher) Close() error {
	return dw.w.Close()
}

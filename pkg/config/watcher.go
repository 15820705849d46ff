package config

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
)

// Reloader is notified with the freshly loaded Config whenever the
// on-disk file's checksum changes.
type Reloader interface {
	OnConfigReload(Config)
}

// Watcher polls a config file for changes at a fixed interval and
// invokes a registered Reloader when its checksum differs from the
// last observed one. Reload failures are logged and ignored - the
// previously loaded Config keeps governing until a valid file shows up.
type Watcher struct {
	path     string
	interval time.Duration

	mu       sync.Mutex
	reloader Reloader
	last     [32]byte

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher builds a Watcher for path, polling every interval.
func NewWatcher(path string, interval time.Duration) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// RegisterReloader sets the callback invoked on a detected change.
func (w *Watcher) RegisterReloader(r Reloader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reloader = r
}

// Run polls until Stop is called. It should be started in its own
// goroutine; it blocks the caller otherwise.
func (w *Watcher) Run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// Stop terminates the polling loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) pollOnce() {
	sum, err := checksum(w.path)
	if err != nil {
		log.Log(log.Config).Warn("failed to checksum config file, skipping reload",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	unchanged := sum == w.last
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		log.Log(log.Config).Warn("failed to reload config, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.last = sum
	reloader := w.reloader
	w.mu.Unlock()

	log.Log(log.Config).Info("config file changed, reloaded")
	if reloader != nil {
		reloader.OnConfigReload(cfg)
	}
}

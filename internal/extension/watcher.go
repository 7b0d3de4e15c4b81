package extension

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrWatcherClosed is returned when using a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// DefaultDebounce is the quiet period after the last filesystem event
// before a re-discovery pass runs. Plugin installs touch many files in
// quick succession; one pass covers the burst.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-runs plugin discovery when the plugin directories change.
// Changes to already-loaded plugins take effect on their next load, not
// retroactively; the watcher only keeps the discovered set current.
type Watcher struct {
	mu sync.Mutex

	manager  *Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration

	closed  bool
	closeCh chan struct{}
	done    sync.WaitGroup

	log *logrus.Entry
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before re-discovery.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(log *logrus.Entry) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher watches the manager's plugin paths. Paths that do not exist
// yet are skipped; they are picked up on a later Discover call.
func NewWatcher(m *Manager, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		manager:  m,
		fsw:      fsw,
		debounce: DefaultDebounce,
		closeCh:  make(chan struct{}),
		log:      m.log.WithField("component", "plugin-watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}

	watched := 0
	for _, path := range m.loader.Paths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := fsw.Add(path); err != nil {
			w.log.WithError(err).WithField("path", path).Warn("cannot watch plugin path")
			continue
		}
		watched++
	}
	w.log.WithField("paths", watched).Debug("plugin watcher started")

	w.done.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.done.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")

		case <-fire:
			fire = nil
			if err := w.manager.Discover(); err != nil {
				w.log.WithError(err).Warn("re-discovery reported problems")
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.done.Wait()
	return err
}

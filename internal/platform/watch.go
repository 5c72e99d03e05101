package platform

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher notifies on changes to the capability-probe cache file or the
// recording directory so a long-lived process can react to out-of-band
// writes (e.g. an operator replacing a stale capability cache on disk).
type Watcher struct {
	inner *fsnotify.Watcher
}

// NewWatcher wraps fsnotify for the given paths.
func NewWatcher(paths ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return &Watcher{inner: w}, nil
}

// Events exposes the underlying fsnotify event stream.
func (w *Watcher) Events() <-chan fsnotify.Event { return w.inner.Events }

// Errors exposes the underlying fsnotify error stream.
func (w *Watcher) Errors() <-chan error { return w.inner.Errors }

func (w *Watcher) Close() error { return w.inner.Close() }

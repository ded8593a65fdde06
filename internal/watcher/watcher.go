package watcher

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs the write bursts editors and atomic-save tools produce.
const debounce = 200 * time.Millisecond

// Watcher invokes a callback when a registered file changes. Directories are
// watched rather than the files themselves, so rename-based atomic saves
// still fire.
type Watcher struct {
	fs *fsnotify.Watcher

	mu        sync.Mutex
	callbacks map[string]func()
	pending   map[string]*time.Timer
	dirs      map[string]bool
}

// New starts a watcher with its event loop.
func New() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:        fs,
		callbacks: make(map[string]func()),
		pending:   make(map[string]*time.Timer),
		dirs:      make(map[string]bool),
	}
	go w.loop()
	return w, nil
}

// Watch registers a callback for changes to the given file.
func (w *Watcher) Watch(path string, callback func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = true
	}
	w.callbacks[abs] = callback
	return nil
}

// Close stops the watcher. Pending debounce timers are left to fire; their
// callbacks are already registered and harmless.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.fire(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) fire(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	callback, ok := w.callbacks[abs]
	if !ok {
		return
	}
	if timer, ok := w.pending[abs]; ok {
		timer.Stop()
	}
	w.pending[abs] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, abs)
		w.mu.Unlock()
		callback()
	})
}

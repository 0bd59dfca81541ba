package registry

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"machinist/internal/logging"
)

// watcher keeps the latest-pointer cache and search index current when
// entries are promoted by another process sharing the registry root.
type watcher struct {
	fs   *fsnotify.Watcher
	reg  *Registry
	done chan struct{}
}

func newWatcher(reg *Registry) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{reg.root, filepath.Join(reg.root, latestDir)} {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, err
		}
	}

	w := &watcher{fs: fs, reg: reg, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *watcher) stop() {
	close(w.done)
	w.fs.Close()
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.RegistryWarn("registry watcher error: %v", err)
		}
	}
}

func (w *watcher) handle(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}

	parent := filepath.Base(filepath.Dir(path))
	switch parent {
	case latestDir:
		if err := w.reg.refreshLatest(); err != nil {
			logging.RegistryWarn("failed to refresh latest pointers: %v", err)
		}
	default:
		// A new entry directory appeared; index it if it is complete.
		entry, err := w.reg.load(name)
		if err != nil {
			return
		}
		if err := w.reg.index.upsert(*entry); err != nil {
			logging.RegistryWarn("failed to index external promotion %s: %v", name, err)
		}
		logging.RegistryDebug("observed external promotion %s", name)
	}
}

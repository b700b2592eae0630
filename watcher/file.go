// Package watcher notifies when watched files change on disk. The client
// uses it to pick up live edits to its proxy configuration.
package watcher

import (
	"github.com/fsnotify/fsnotify"
)

// File watches a set of file paths and reports writes to them.
type File struct {
	watcher  *fsnotify.Watcher
	shutdown chan struct{}
}

// NewFile is a standard constructor.
func NewFile() (*File, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	f := &File{
		watcher:  watcher,
		shutdown: make(chan struct{}),
	}
	return f, nil
}

// Add adds a file to start watching.
func (f *File) Add(filepath string) error {
	return f.watcher.Add(filepath)
}

// Shutdown stops the file watching runloop.
func (f *File) Shutdown() {
	// don't block if Start quit early
	select {
	case f.shutdown <- struct{}{}:
	default:
	}
}

// Start is a runloop to watch for changes to the file paths added with Add.
// Editors that replace files whole (write to a temp file, rename over the
// original) surface as Create events, so those count as changes too.
func (f *File) Start(notifier Notification) {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				notifier.WatcherItemDidChange(event.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			notifier.WatcherDidError(err)

		case <-f.shutdown:
			f.watcher.Close()
			return
		}
	}
}

// Package fswatch reports changes under project paths as a single
// coalesced signal.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/atelierhq/livesync/pkg/errors"
)

var fs = afero.NewOsFs()

// Watch watches the given path trees for changes. It sends an event on the
// returned channel whenever anything under the watched paths changes;
// bursts are collapsed into a single pending event so a slow consumer sees
// one wakeup instead of a backlog. The stop function releases the
// underlying file handles.
func Watch(paths ...string) (chan struct{}, func(), error) {
	pathsToWatch, err := expandPaths(paths)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go drainErrors(watcher.Errors)

	stop := func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
	return combineUpdates(watcher.Events), stop, nil
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func drainErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}

func expandPaths(paths []string) (pathsToWatch []string, err error) {
	for _, path := range paths {
		fi, err := fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.FileNotFound{Path: path}
			}
			return nil, errors.WithContext(err, "stat")
		}

		pathsToWatch = append(pathsToWatch, path)
		if fi.Mode().IsDir() {
			// Because fsnotify doesn't watch directories recursively, we walk
			// the directory's contents and add all subdirectories and files.
			subpaths, err := getChildren(path)
			if err != nil {
				return nil, errors.WithContext(err, "get subdirs")
			}
			pathsToWatch = append(pathsToWatch, subpaths...)
		} else {
			// If the path is a file, then watch its parent directory as well
			// as the file itself. This way, if the file is removed and
			// re-added we'll notice.
			// This will also cause triggers when other files in the directory
			// are created or removed, but this is fine since a spurious
			// wakeup is a no-op downstream.
			pathsToWatch = append(pathsToWatch, filepath.Dir(path))
		}
	}

	return pathsToWatch, nil
}

func getChildren(dir string) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if path == dir {
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}

package snapshot

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

// Watcher reports snapshot files as they appear in a directory. Workers in
// other processes write snapshots, so the coordinator learns about them
// from the filesystem.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *logging.Logger
	seen    map[string]struct{}
}

// NewWatcher starts watching dir. Close releases the watch.
func NewWatcher(dir string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		dir:     dir,
		watcher: fw,
		logger:  logger.WithComponent("snapshot-watcher"),
		seen:    make(map[string]struct{}),
	}, nil
}

// Run calls found once for every new snapshot file until ctx is done or the
// watcher is closed. Temp files are ignored; a snapshot appears by rename,
// which fsnotify reports as a create in the target directory.
func (w *Watcher) Run(ctx context.Context, found func(path string, seq uint64)) error {
	for {
		select {
		case <-ctx.Done():
			w.rescan(found)
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.report(ev.Name, found)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			// Overflow drops events; the final rescan picks up what was missed.
			w.logger.Warn("snapshot watch error", "dir", w.dir, "error", err)
		}
	}
}

// rescan reports files that were written but whose events were lost.
func (w *Watcher) rescan(found func(path string, seq uint64)) {
	infos, err := List(w.dir)
	if err != nil {
		return
	}
	for _, info := range infos {
		w.report(info.Path, found)
	}
}

func (w *Watcher) report(path string, found func(path string, seq uint64)) {
	name := filepath.Base(path)
	if !Pattern.Match(name) {
		return
	}
	_, seq, ok := ParseName(name)
	if !ok {
		return
	}
	if _, dup := w.seen[path]; dup {
		return
	}
	w.seen[path] = struct{}{}
	w.logger.Debug("snapshot observed", "path", path, "seq", seq)
	found(path, seq)
}

// Close stops the underlying watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

package tasks

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"fingerauth/internal/fsutil"
)

// DefaultSettle is how long a new file must stay unchanged before it is handed on.
const DefaultSettle = 500 * time.Millisecond

// FileSystemEvent represents a settled fingerprint image in the inbox.
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// InboxWatcher monitors a directory for new fingerprint images.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	settle  time.Duration
	log     *slog.Logger
	handle  func(FileSystemEvent)
}

// NewInboxWatcher watches dir and calls handle once per settled image.
func NewInboxWatcher(dir string, settle time.Duration, log *slog.Logger, handle func(FileSystemEvent)) (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	log.Info("watching inbox", "dir", dir, "settle", settle)
	return &InboxWatcher{watcher: watcher, dir: dir, settle: settle, log: log, handle: handle}, nil
}

type pendingFile struct {
	op   string
	last time.Time
}

// Run processes events until ctx ends, then closes the watcher.
func (w *InboxWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := map[string]*pendingFile{}
	tick := time.NewTicker(w.settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
				continue
			default:
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			if p, ok := pending[event.Name]; ok {
				p.last = time.Now()
				continue
			}
			pending[event.Name] = &pendingFile{op: operation, last: time.Now()}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", "dir", w.dir, "error", err)

		case now := <-tick.C:
			for path, p := range pending {
				if now.Sub(p.last) < w.settle {
					continue
				}
				delete(pending, path)
				info, err := os.Stat(path)
				if err != nil || info.IsDir() {
					continue
				}
				w.handle(FileSystemEvent{Path: path, Operation: p.op, Time: p.last, Size: info.Size()})
			}
		}
	}
}

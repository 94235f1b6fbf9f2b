// Package watcher feeds documents dropped into inbox directories through the
// pipeline. Files are debounced so a document still being copied is not
// ingested half-written.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/models"
)

const defaultDebounce = 400 * time.Millisecond

// Ingestor accepts inbox documents. Satisfied by pipeline.Pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, filename string, content []byte,
		method models.UploadMethod, typeHint string) (*models.ProcessingRecord, error)
	Process(ctx context.Context, id string) error
}

// InboxWatcher watches inbox directories and ingests dropped documents.
// Deleting an inbox file does not touch its processing record; the inbox is
// an entry point, not the system of record.
type InboxWatcher struct {
	ingestor   Ingestor
	roots      []string
	extensions []string
	recursive  bool
	debounce   time.Duration
	logger     *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	ingested    map[string]time.Time // path -> mtime at ingestion
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// Option configures an InboxWatcher.
type Option func(*InboxWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *InboxWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(w *InboxWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates an inbox watcher. roots are the inbox directories; extensions
// filter which files are ingested (empty = all).
func New(ingestor Ingestor, roots, extensions []string, recursive bool, opts ...Option) *InboxWatcher {
	w := &InboxWatcher{
		ingestor:    ingestor,
		roots:       roots,
		extensions:  extensions,
		recursive:   recursive,
		debounce:    defaultDebounce,
		logger:      zap.NewNop(),
		debounceMap: make(map[string]*time.Timer),
		ingested:    make(map[string]time.Time),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts watching. Missing inbox directories are created. It runs until
// ctx is cancelled or Stop is called.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.logger.Debug("inbox watcher starting",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = w.watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

func (w *InboxWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("inbox watcher error", zap.Error(err))
			}
		}
	}
}

func (w *InboxWatcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(ctx, path)
			return
		}
		if w.eligible(path) {
			w.debounceIngest(ctx, path)
		}
	case fsnotify.Remove:
		w.cancelDebounce(path)
	}
}

// handleNewDirectory watches a directory that appeared inside an inbox and
// ingests any files already in it.
func (w *InboxWatcher) handleNewDirectory(ctx context.Context, dirPath string) {
	w.mu.Lock()
	recursive := w.recursive
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil || !recursive {
		return
	}
	w.logger.Debug("inbox watcher new directory", zap.String("path", dirPath))
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				w.logger.Debug("failed to watch directory",
					zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	w.syncDirectory(ctx, dirPath)
}

// eligible filters out directories the event path does not cover, hidden and
// editor temp files, and non-matching extensions.
func (w *InboxWatcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".part") {
		return false
	}
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *InboxWatcher) debounceIngest(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
	w.debounceMap[path] = t
}

func (w *InboxWatcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// ingest reads the file and pushes it through the pipeline. A file whose
// mtime has not changed since its last ingestion is skipped, so the startup
// sync and a create event for the same file produce one document.
func (w *InboxWatcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.logger.Debug("inbox file vanished", zap.String("path", path))
		return
	}
	w.mu.Lock()
	last, seen := w.ingested[path]
	if seen && !info.ModTime().After(last) {
		w.mu.Unlock()
		return
	}
	w.ingested[path] = info.ModTime()
	w.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("failed to read inbox file",
			zap.String("path", path), zap.Error(err))
		return
	}
	rec, err := w.ingestor.Ingest(ctx, path, content, models.UploadWatch, "")
	if err != nil {
		w.logger.Warn("inbox ingestion failed",
			zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("inbox document ingested",
		zap.String("path", path),
		zap.String("document_id", rec.ID))
	if err := w.ingestor.Process(ctx, rec.ID); err != nil {
		w.logger.Warn("inbox processing failed",
			zap.String("document_id", rec.ID), zap.Error(err))
	}
}

func (w *InboxWatcher) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	}
	if !w.recursive {
		return w.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *InboxWatcher) syncDirectory(ctx context.Context, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.eligible(path) {
			w.ingest(ctx, path)
		}
		return nil
	})
}

// SyncExisting ingests files already present in the inboxes. Call after
// Start to pick up documents dropped while the service was down.
func (w *InboxWatcher) SyncExisting(ctx context.Context) {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	w.logger.Debug("inbox watcher syncing existing files", zap.Strings("roots", roots))
	for _, root := range roots {
		w.syncDirectory(ctx, root)
	}
}

// Directories returns a copy of the watched inbox roots.
func (w *InboxWatcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// Stop stops the watcher and releases resources.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}

package source

import (
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/govsync/internal/frontmatter"
)

// ChangeSet is one debounced batch of markdown changes, paths relative to
// the watched root in slash form.
type ChangeSet struct {
	Changed []string `json:"changed"`
	Deleted []string `json:"deleted"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Changed) == 0 && len(c.Deleted) == 0
}

type WatcherOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher turns filesystem events under a checkout into change sets.
// Writes that leave content byte-identical are suppressed.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	hashes  map[string][sha256.Size]byte
}

func NewWatcher(root string, opts WatcherOptions) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		root:     abs,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		pending:  map[string]struct{}{},
		hashes:   map[string][sha256.Size]byte{},
	}
	if err := w.addRecursive(abs, true); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers change sets to emit until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context, emit func(context.Context, ChangeSet)) error {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			if set := w.flush(); !set.Empty() {
				emit(ctx, set)
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addRecursive watches every directory under root. Markdown files found on
// the initial walk seed the content hashes; files inside a directory created
// later are queued as changes.
func (w *Watcher) addRecursive(root string, initial bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, ok := w.relative(p)
			if !ok || !frontmatter.IsMarkdown(rel) {
				return nil
			}
			if !initial {
				w.pending[rel] = struct{}{}
				return nil
			}
			if data, err := os.ReadFile(p); err == nil {
				w.hashes[rel] = sha256.Sum256(data)
			}
			return nil
		}
		if p != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) relative(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(event.Name)) {
				w.mu.Lock()
				err := w.addRecursive(event.Name, false)
				w.mu.Unlock()
				if err != nil {
					w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}
	rel, ok := w.relative(event.Name)
	if !ok || !frontmatter.IsMarkdown(rel) {
		return
	}
	w.mu.Lock()
	w.pending[rel] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) flush() ChangeSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := ChangeSet{}
	for rel := range w.pending {
		data, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if _, known := w.hashes[rel]; known {
				delete(w.hashes, rel)
				set.Deleted = append(set.Deleted, rel)
			}
		case err != nil:
			w.logger.Warn("failed to read changed file", "path", rel, "error", err)
		default:
			sum := sha256.Sum256(data)
			if prev, known := w.hashes[rel]; known && prev == sum {
				continue
			}
			w.hashes[rel] = sum
			set.Changed = append(set.Changed, rel)
		}
	}
	w.pending = map[string]struct{}{}
	sort.Strings(set.Changed)
	sort.Strings(set.Deleted)
	return set
}

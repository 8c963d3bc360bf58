// Package watch notices when a session's input stacks are rewritten on disk.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"chromalign/internal/fsutil"
)

// Change reports that one or more watched stacks were modified. Bursts of
// filesystem events within the debounce window collapse into one Change.
type Change struct {
	Paths []string  `json:"paths"`
	Time  time.Time `json:"time"`
}

// Watcher monitors stack paths. A path may be a single TIFF or a directory
// of frame TIFFs.
type Watcher struct {
	watcher  *fsnotify.Watcher
	Changes  chan Change
	debounce time.Duration
	log      *slog.Logger

	dirs  map[string]bool // directory stacks
	files map[string]bool // single-file stacks
	added map[string]bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for the given stack paths.
func New(paths []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		Changes:  make(chan Change, 8),
		debounce: debounce,
		log:      logger,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		added:    make(map[string]bool),
		done:     make(chan struct{}),
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			fw.Close()
			return nil, err
		}
		if info.IsDir() {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
		}
	}
	return w, nil
}

// Start registers the watches and begins processing events.
func (w *Watcher) Start() error {
	for dir := range w.dirs {
		if err := w.add(dir); err != nil {
			return err
		}
	}
	// fsnotify watches directories; single files are matched by name so
	// editors that replace the file by rename are still seen.
	for file := range w.files {
		if err := w.add(filepath.Dir(file)); err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

func (w *Watcher) add(dir string) error {
	if w.added[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.added[dir] = true
	w.log.Debug("watching stack input", "dir", dir)
	return nil
}

// Stop ends monitoring and closes Changes. Idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.Changes)
	})
	return err
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(ev.Name)
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && fsutil.IsTIFF(name)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	pending := make(map[string]bool)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending[filepath.Clean(ev.Name)] = true
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

		case <-fire:
			fire = nil
			change := Change{Time: time.Now()}
			for p := range pending {
				change.Paths = append(change.Paths, p)
			}
			sort.Strings(change.Paths)
			clear(pending)
			select {
			case w.Changes <- change:
			default:
				w.log.Warn("change buffer full, dropping notification", "paths", change.Paths)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

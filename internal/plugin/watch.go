package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry when plugin directories or bundles change in
// the root. Bursts of changes inside the debounce window collapse into one
// Load. It blocks until ctx is canceled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create plugin root: %w", err)
	}
	if err := watcher.Add(r.root); err != nil {
		return fmt.Errorf("watch plugin root: %w", err)
	}

	deb := newDebouncer(r.debounce, func() {
		if _, err := r.Load(ctx); err != nil && !errors.Is(err, ErrLoadInProgress) && !errors.Is(err, ErrRegistryClosed) {
			r.logger.Error("reload failed", "error", err)
		}
	})
	defer deb.Stop()

	r.logger.Info("watching plugin root", "path", r.root, "debounce", r.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if r.relevant(event) {
				r.logger.Debug("plugin root changed", "path", event.Name, "op", event.Op.String())
				deb.Trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watcher error", "error", err)
		}
	}
}

// relevant reports whether a change warrants a reload: the path is a
// directory, a bundle archive, or a plugin directory that just disappeared.
// Staging and backup directories the registry creates itself are ignored.
func (r *Registry) relevant(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if skipDir(base) {
		return false
	}
	if strings.HasSuffix(strings.ToLower(base), BundleExt) {
		return true
	}
	if info, err := os.Stat(event.Name); err == nil {
		return info.IsDir()
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if gen := r.current.Load(); gen != nil {
			for _, d := range gen.Plugins {
				if filepath.Clean(d.Dir) == filepath.Clean(event.Name) {
					return true
				}
			}
		}
	}
	return false
}

// debouncer runs fn once the window has passed without another Trigger.
type debouncer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool
	running sync.WaitGroup
}

func newDebouncer(window time.Duration, fn func()) *debouncer {
	return &debouncer{window: window, fn: fn}
}

// Trigger restarts the window.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.window, func() { d.fire(seq) })
}

func (d *debouncer) fire(seq uint64) {
	d.mu.Lock()
	stale := d.stopped || seq != d.seq
	if !stale {
		d.running.Add(1)
	}
	d.mu.Unlock()
	if stale {
		return
	}
	defer d.running.Done()
	d.fn()
}

// Stop cancels any pending call and waits for one already running.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.running.Wait()
}

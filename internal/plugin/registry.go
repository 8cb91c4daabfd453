package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/metrics"
)

// ReloadEvent describes a finished load.
type ReloadEvent struct {
	Generation uint64         `json:"generation"`
	Plugins    int            `json:"plugins"`
	Staged     []StagedBundle `json:"staged,omitempty"`
	Failed     []string       `json:"failed,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Registry owns the live generation.
type Registry struct {
	root         string
	failureReply string
	callTimeout  time.Duration
	debounce     time.Duration
	builtins     *Builtins
	logger       *slog.Logger
	now          func() time.Time

	current atomic.Pointer[Generation]
	loading atomic.Bool
	closed  atomic.Bool
	nextID  atomic.Uint64

	mu       sync.Mutex
	onReload func(ReloadEvent)
}

// NewRegistry creates a registry rooted at cfg.Dir. Nothing is loaded until
// Load is called.
func NewRegistry(cfg config.PluginsConfig, builtins *Builtins, logger *slog.Logger) *Registry {
	if builtins == nil {
		builtins = DefaultBuiltins()
	}
	failure := cfg.FailureReply
	if failure == "" {
		failure = config.DefaultFailureReply
	}
	debounce := cfg.Debounce.Duration
	if debounce < config.MinDebounce {
		debounce = config.MinDebounce
	}
	return &Registry{
		root:         cfg.Dir,
		failureReply: failure,
		callTimeout:  cfg.CallTimeout.Duration,
		debounce:     debounce,
		builtins:     builtins,
		logger:       logger.With("component", "plugins"),
		now:          time.Now,
	}
}

// Root returns the plugin directory.
func (r *Registry) Root() string { return r.root }

// SetReloadHandler registers a callback invoked after every published
// generation.
func (r *Registry) SetReloadHandler(fn func(ReloadEvent)) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// Current returns the live generation, or nil before the first load.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Load stages bundles, builds a new generation from the plugin root and
// publishes it. The previous generation is cleaned up only after the new one
// is live. A call while another load is running returns ErrLoadInProgress;
// a call after Close returns ErrRegistryClosed.
func (r *Registry) Load(ctx context.Context) (*Generation, error) {
	gen, _, err := r.load(ctx)
	return gen, err
}

// Reload is Load for manual triggers; it reports what the load did.
func (r *Registry) Reload(ctx context.Context) (ReloadEvent, error) {
	_, ev, err := r.load(ctx)
	return ev, err
}

func (r *Registry) load(ctx context.Context) (*Generation, ReloadEvent, error) {
	if r.closed.Load() {
		return nil, ReloadEvent{}, ErrRegistryClosed
	}
	if !r.loading.CompareAndSwap(false, true) {
		metrics.RecordReload("skipped", 0)
		r.logger.Info("load already in progress, dropping request")
		return nil, ReloadEvent{}, ErrLoadInProgress
	}
	defer r.loading.Store(false)
	if r.closed.Load() {
		return nil, ReloadEvent{}, ErrRegistryClosed
	}

	start := r.now()
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		metrics.RecordReload("error", 0)
		return nil, ReloadEvent{}, fmt.Errorf("create plugin root: %w", err)
	}

	staged, err := r.StageBundles()
	if err != nil {
		// Bad bundles are reported individually and do not stop the load.
		r.logger.Warn("some bundles were not staged", "error", err)
	}

	gen, failed := r.build(ctx)

	old := r.current.Swap(gen)
	if old != nil {
		r.cleanupGeneration(ctx, old)
	}

	ev := ReloadEvent{
		Generation: gen.ID,
		Plugins:    len(gen.Plugins),
		Staged:     staged,
		Failed:     failed,
		Duration:   r.now().Sub(start),
	}
	metrics.RecordReload("ok", ev.Plugins)
	r.logger.Info("plugins loaded",
		"generation", gen.ID, "plugins", ev.Plugins, "types", len(gen.Types),
		"default", gen.Default != nil, "failed", len(failed))

	r.mu.Lock()
	fn := r.onReload
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	return gen, ev, nil
}

// build loads every plugin directory under the root in name order. A plugin
// that fails to load is skipped; the others still load.
func (r *Registry) build(ctx context.Context) (*Generation, []string) {
	gen := newGeneration(r.nextID.Add(1), r.now())

	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Error("read plugin root", "error", err)
		return gen, nil
	}

	var failed []string
	for _, e := range entries {
		if !e.IsDir() || skipDir(e.Name()) {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		d, err := r.loadPlugin(dir)
		if err != nil {
			if errors.Is(err, errNoManifest) {
				continue
			}
			r.logger.Warn("skipping plugin", "dir", e.Name(), "error", err)
			failed = append(failed, e.Name())
			continue
		}

		for _, prev := range gen.add(d) {
			r.logger.Info("plugin overrides earlier registration", "plugin", d.Name, "previous", prev)
		}
		if in, ok := d.Handler.(Initializer); ok {
			if err := safeInit(ctx, in); err != nil {
				r.logger.Warn("plugin init failed", "plugin", d.Name, "error", err)
			}
		}
		r.logger.Debug("plugin registered", "plugin", d.Name, "version", d.Version, "types", d.Types)
	}
	return gen, failed
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.Contains(name, backupMarker)
}

func (r *Registry) loadPlugin(dir string) (*Descriptor, error) {
	m, _, err := ReadManifest(dir)
	if err != nil {
		if errors.Is(err, errNoManifest) {
			return nil, err
		}
		return nil, &PluginLoadError{Dir: dir, Err: err}
	}

	h, err := r.resolve(m, dir)
	if err != nil {
		return nil, &PluginLoadError{Dir: dir, Err: err}
	}

	d := &Descriptor{
		Name:    m.Name,
		Version: m.Version,
		Types:   append([]string(nil), m.Types...),
		Dir:     dir,
		Main:    m.Main,
		Handler: h,
	}
	for _, t := range d.Types {
		if t == DefaultType {
			d.IsDefault = true
		}
	}
	return d, nil
}

// resolve turns the manifest's main entry into a handler.
func (r *Registry) resolve(m Manifest, dir string) (Handler, error) {
	if name, ok := m.Builtin(); ok {
		f, err := r.builtins.Get(name)
		if err != nil {
			return nil, err
		}
		h, err := f(r, m)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", name, err)
		}
		if h == nil {
			return nil, fmt.Errorf("builtin %s: no main entry", name)
		}
		return h, nil
	}

	path := filepath.Join(dir, filepath.FromSlash(m.Main))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("main %q is outside the plugin directory", m.Main)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("main: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("main %q is not an executable file", m.Main)
	}
	return NewExternal(m, dir, path, r.logger), nil
}

// Dispatch routes a command to its plugin, falling back to the default
// plugin. It returns ErrNoHandler when neither exists. A failing or
// panicking handler yields the generic failure reply and a nil error.
func (r *Registry) Dispatch(ctx context.Context, typ, body, senderID string, private bool) (Reply, error) {
	gen := r.current.Load()
	d, ok := gen.Lookup(typ)
	if !ok {
		metrics.RecordDispatch("", "no_handler", 0)
		return Reply{}, ErrNoHandler
	}

	req := Request{Type: typ, Body: body, SenderID: senderID, Private: private}
	start := time.Now()
	reply, err := r.invoke(ctx, d, req)
	elapsed := time.Since(start)
	if err != nil {
		herr := &HandlerError{Plugin: d.Name, Type: typ, Err: err}
		metrics.RecordDispatch(d.Name, "error", elapsed)
		r.logger.Error("handler failed", "plugin", d.Name, "type", typ, "error", herr)
		return Reply{Text: r.failureReply}, nil
	}
	metrics.RecordDispatch(d.Name, "ok", elapsed)
	return reply, nil
}

func (r *Registry) invoke(ctx context.Context, d *Descriptor, req Request) (reply Reply, err error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			reply, err = Reply{}, fmt.Errorf("panic: %v", p)
		}
	}()
	return d.Handler.Handle(ctx, req)
}

// Close shuts the registry down for good. It waits for a load in flight to
// publish, then runs the cleanup hook of every plugin in the live
// generation. Later loads fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Holding the load flag for good keeps any racing load out.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !r.loading.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for plugin load: %w", ctx.Err())
		case <-tick.C:
		}
	}
	if gen := r.current.Load(); gen != nil {
		r.cleanupGeneration(ctx, gen)
	}
	return nil
}

// cleanupGeneration calls each plugin's cleanup hook. One plugin's failure
// or panic does not stop the others.
func (r *Registry) cleanupGeneration(ctx context.Context, gen *Generation) {
	for _, d := range gen.Plugins {
		c, ok := d.Handler.(Cleaner)
		if !ok {
			continue
		}
		if err := safeCleanup(ctx, c); err != nil {
			r.logger.Warn("plugin cleanup failed", "plugin", d.Name, "generation", gen.ID, "error", err)
		}
	}
}

func safeInit(ctx context.Context, in Initializer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return in.Init(ctx)
}

func safeCleanup(ctx context.Context, c Cleaner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.Cleanup(ctx)
}

package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Host gives builtin handlers read access to the registry they live in.
type Host interface {
	Current() *Generation
}

// Factory builds a fresh handler for one generation.
type Factory func(host Host, m Manifest) (Handler, error)

// Builtins maps builtin names to handler factories.
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltins creates an empty builtin table.
func NewBuiltins() *Builtins {
	return &Builtins{factories: make(map[string]Factory)}
}

// Register adds a factory. Panics on duplicate.
func (b *Builtins) Register(name string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.factories[name]; exists {
		panic(fmt.Sprintf("builtin already registered: %s", name))
	}
	b.factories[name] = f
}

// Get returns the factory for name.
func (b *Builtins) Get(name string) (Factory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.factories[name]
	if !ok {
		return nil, fmt.Errorf("no builtin handler named %q", name)
	}
	return f, nil
}

// Names returns the registered builtin names, sorted.
func (b *Builtins) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBuiltins returns the table with every compiled-in handler.
func DefaultBuiltins() *Builtins {
	b := NewBuiltins()
	b.Register("echo", func(Host, Manifest) (Handler, error) { return HandlerFunc(echo), nil })
	b.Register("ping", func(Host, Manifest) (Handler, error) { return HandlerFunc(ping), nil })
	b.Register("help", func(h Host, _ Manifest) (Handler, error) { return &helpHandler{host: h}, nil })
	return b
}

func echo(_ context.Context, req Request) (Reply, error) {
	return Reply{Text: req.Body}, nil
}

func ping(_ context.Context, _ Request) (Reply, error) {
	return Reply{Text: "pong"}, nil
}

// helpHandler lists the commands of the generation serving the request.
type helpHandler struct {
	host Host
}

func (h *helpHandler) Handle(_ context.Context, _ Request) (Reply, error) {
	gen := h.host.Current()
	if gen == nil {
		return Reply{}, nil
	}
	var b strings.Builder
	b.WriteString("**Commands**\n\n")
	for _, typ := range gen.TypeNames() {
		d := gen.Types[typ]
		fmt.Fprintf(&b, "- `%s`: %s", typ, d.Name)
		if d.Version != "" {
			fmt.Fprintf(&b, " %s", d.Version)
		}
		b.WriteString("\n")
	}
	if gen.Default != nil {
		fmt.Fprintf(&b, "\nAnything else goes to *%s*.\n", gen.Default.Name)
	}
	return Reply{Markdown: b.String()}, nil
}

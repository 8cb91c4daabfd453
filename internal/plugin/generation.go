package plugin

import (
	"sort"
	"time"
)

// Generation is one complete, immutable snapshot of the command-type mapping.
type Generation struct {
	ID       uint64                 `json:"id"`
	Types    map[string]*Descriptor `json:"-"`
	Default  *Descriptor            `json:"-"`
	Plugins  []*Descriptor          `json:"plugins"`
	LoadedAt time.Time              `json:"loaded_at"`
}

func newGeneration(id uint64, now time.Time) *Generation {
	return &Generation{
		ID:       id,
		Types:    make(map[string]*Descriptor),
		LoadedAt: now,
	}
}

// add registers d under each declared type. Later plugins override earlier
// ones; the default type fills the default slot. It returns the plugins d
// displaced.
func (g *Generation) add(d *Descriptor) []string {
	var displaced []string
	for _, typ := range d.Types {
		if typ == DefaultType {
			if g.Default != nil {
				displaced = append(displaced, g.Default.Name)
			}
			g.Default = d
			continue
		}
		if prev, ok := g.Types[typ]; ok {
			displaced = append(displaced, prev.Name)
		}
		g.Types[typ] = d
	}
	g.Plugins = append(g.Plugins, d)
	return displaced
}

// Lookup returns the plugin for typ, falling back to the default slot.
func (g *Generation) Lookup(typ string) (*Descriptor, bool) {
	if g == nil {
		return nil, false
	}
	if d, ok := g.Types[typ]; ok {
		return d, true
	}
	if g.Default != nil {
		return g.Default, true
	}
	return nil, false
}

// TypeNames returns the registered command types, sorted.
func (g *Generation) TypeNames() []string {
	names := make([]string, 0, len(g.Types))
	for t := range g.Types {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Info summarizes a generation for status reporting.
type Info struct {
	ID       uint64            `json:"id"`
	LoadedAt time.Time         `json:"loaded_at"`
	Plugins  []Descriptor      `json:"plugins"`
	Routes   map[string]string `json:"routes"`
	Default  string            `json:"default,omitempty"`
}

// Info returns a copy safe to marshal and hand to other goroutines.
func (g *Generation) Info() Info {
	info := Info{Routes: make(map[string]string)}
	if g == nil {
		return info
	}
	info.ID = g.ID
	info.LoadedAt = g.LoadedAt
	for _, d := range g.Plugins {
		cp := *d
		cp.Types = append([]string(nil), d.Types...)
		info.Plugins = append(info.Plugins, cp)
	}
	for t, d := range g.Types {
		info.Routes[t] = d.Name
	}
	if g.Default != nil {
		info.Default = g.Default.Name
	}
	return info
}

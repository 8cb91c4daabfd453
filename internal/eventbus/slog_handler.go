package eventbus

import (
	"context"
	"log/slog"
)

// LogRecord is the payload of LogEntry events.
type LogRecord struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// SlogHandler writes to an inner handler and mirrors every record onto the
// bus as a LogEntry event.
type SlogHandler struct {
	inner  slog.Handler
	bus    *Bus
	attrs  []slog.Attr
	prefix string
}

// NewSlogHandler wraps inner.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := LogRecord{
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[h.prefix+a.Key] = attrValue(a.Value)
		return true
	})
	h.bus.Publish(Event{Type: LogEntry, Timestamp: r.Time, Data: marshal(rec)})
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	for _, a := range attrs {
		next = append(next, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &SlogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: next, prefix: h.prefix}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SlogHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// attrValue flattens errors to their message so they survive JSON encoding.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	if v.Kind() == slog.KindDuration {
		return v.Duration().String()
	}
	return v.Any()
}

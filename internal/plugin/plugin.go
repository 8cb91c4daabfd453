// Package plugin discovers command handlers on disk and routes commands to
// them.
//
// Each plugin is a directory holding a manifest. The manifest's main entry
// selects either a handler compiled into the binary ("builtin:<name>") or an
// executable inside the plugin directory that speaks JSON-lines on its
// stdin/stdout. A Registry loads every plugin into an immutable Generation and
// publishes it atomically; dispatch always reads one complete generation.
package plugin

import "context"

// DefaultType is the manifest type that claims the fallback slot.
const DefaultType = "default"

// Request is a parsed command handed to a plugin.
type Request struct {
	Type     string `json:"type"`
	Body     string `json:"body"`
	SenderID string `json:"sender_id"`
	Private  bool   `json:"private"`
}

// Reply is what a plugin returns. The zero Reply means "send nothing".
type Reply struct {
	Text     string `json:"text,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	Image    []byte `json:"image,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Empty reports whether the reply carries nothing to send.
func (r Reply) Empty() bool {
	return r.Text == "" && r.Markdown == "" && len(r.Image) == 0 && r.ImageURL == ""
}

// Handler is the required entry point of every plugin.
type Handler interface {
	Handle(ctx context.Context, req Request) (Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// Initializer is an optional interface for handlers that need setup after
// registration.
type Initializer interface {
	Init(ctx context.Context) error
}

// Cleaner is an optional interface for handlers holding resources that must
// be released when their generation is retired.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Descriptor is a loaded plugin. It is immutable after load.
type Descriptor struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Types     []string `json:"types"`
	IsDefault bool     `json:"is_default"`
	Dir       string   `json:"dir"`
	Main      string   `json:"main"`
	Handler   Handler  `json:"-"`
}

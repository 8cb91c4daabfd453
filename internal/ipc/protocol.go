// Package ipc is the local control channel between a running bot and the
// kestrel CLI: JSON lines over a Unix socket.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/plugin"
)

// Methods understood by the server.
const (
	MethodStatus    = "status"
	MethodPlugins   = "plugins"
	MethodReload    = "reload"
	MethodSubscribe = "subscribe"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is one line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line sent by the server. Events carry no ID.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorResult is the payload of error responses.
type ErrorResult struct {
	Error string `json:"error"`
}

// StatusResult answers "status".
type StatusResult struct {
	Version    string         `json:"version"`
	PID        int            `json:"pid"`
	StartedAt  time.Time      `json:"started_at"`
	Uptime     string         `json:"uptime"`
	Gateway    gateway.Status `json:"gateway"`
	Generation uint64         `json:"generation"`
	Plugins    int            `json:"plugins"`
	PluginDir  string         `json:"plugin_dir"`
	Admin      string         `json:"admin,omitempty"`
}

// ReloadResult answers "reload".
type ReloadResult struct {
	Generation uint64                `json:"generation"`
	Plugins    int                   `json:"plugins"`
	Staged     []plugin.StagedBundle `json:"staged,omitempty"`
	Failed     []string              `json:"failed,omitempty"`
	Duration   string                `json:"duration"`
}

// SubscribeParams selects event types; empty means all.
type SubscribeParams struct {
	Events []string `json:"events,omitempty"`
}

// Event is the data of an event response.
type Event = eventbus.Event

// StateProvider is what the server needs from the running bot.
type StateProvider interface {
	Status() StatusResult
	Plugins() plugin.Info
	Reload(ctx context.Context) (ReloadResult, error)
}

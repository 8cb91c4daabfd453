package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler means neither the command type nor the default slot has a
	// plugin. It is distinct from a handler returning an empty reply.
	ErrNoHandler = errors.New("no handler")
	// ErrLoadInProgress is returned when Load is called while another load
	// is building a generation. The request is dropped, not queued.
	ErrLoadInProgress = errors.New("plugin load already in progress")
	// ErrRegistryClosed is returned by Load and Reload after Close.
	ErrRegistryClosed = errors.New("plugin registry closed")
)

// InvalidBundleError reports a malformed archive. The archive is left in
// place for the operator.
type InvalidBundleError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid bundle %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid bundle %s: %s", e.Path, e.Reason)
}

func (e *InvalidBundleError) Unwrap() error { return e.Err }

// PluginLoadError reports a plugin skipped during load.
type PluginLoadError struct {
	Dir string
	Err error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Dir, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// HandlerError reports a plugin whose handler failed or panicked. It is
// logged at the dispatch boundary and never reaches the end user.
type HandlerError struct {
	Plugin string
	Type   string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("plugin %s handling %q: %v", e.Plugin, e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

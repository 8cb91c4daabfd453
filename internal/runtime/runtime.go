// Package runtime assembles the bot: token provider, gateway session,
// plugin registry, message router and the local control surfaces.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-bot/kestrel/internal/admin"
	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/metrics"
	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/internal/rest"
	"github.com/kestrel-bot/kestrel/internal/router"
	"github.com/kestrel-bot/kestrel/internal/token"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

const cleanupTimeout = 10 * time.Second

// Options are process-level settings that do not come from the config file.
type Options struct {
	Version    string
	SocketPath string // empty disables the IPC server
	Builtins   *plugin.Builtins
}

// Runtime is one running bot.
type Runtime struct {
	cfg       *config.Config
	opts      Options
	logger    *slog.Logger
	bus       *eventbus.Bus
	startedAt time.Time

	tokens   *token.Provider
	registry *plugin.Registry
	router   *router.Router
	session  *gateway.Session
}

// New wires the components. Nothing connects until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger, bus *eventbus.Bus) (*Runtime, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	metrics.Register(nil)

	rt := &Runtime{
		cfg:       cfg,
		opts:      opts,
		logger:    logger.With("component", "runtime"),
		bus:       bus,
		startedAt: time.Now(),
	}

	client := rest.NewClient(cfg.Gateway, logger)
	rt.tokens = token.NewProvider(client, cfg.Gateway.TokenRefreshMargin.Duration, logger)
	rt.registry = plugin.NewRegistry(cfg.Plugins, opts.Builtins, logger)
	rt.router = router.New(rt.registry, client, rt.tokens, logger)

	session, err := gateway.NewSession(cfg.Gateway, rt.tokens, client, rt.handleMessage, logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway session: %w", err)
	}
	rt.session = session

	session.SetStateHandler(func(st gateway.Status) {
		rt.bus.Emit(eventbus.GatewayState, st)
	})
	rt.registry.SetReloadHandler(func(ev plugin.ReloadEvent) {
		rt.bus.Emit(eventbus.PluginsReloaded, ev)
	})
	return rt, nil
}

// Bus returns the event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Run loads plugins and runs the gateway session, the plugin watcher and the
// control servers until ctx is canceled. Shutdown closes the session with a
// normal closure and runs plugin cleanup; it never reconnects.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting",
		"version", r.opts.Version,
		"plugin_dir", r.registry.Root(),
		"intents", r.cfg.Gateway.Intents,
		"shard", fmt.Sprintf("%d/%d", r.cfg.Gateway.ShardID, r.cfg.Gateway.ShardCount))

	if _, err := r.registry.Load(ctx); err != nil {
		return fmt.Errorf("initial plugin load: %w", err)
	}

	if r.opts.SocketPath != "" {
		srv := ipc.NewServer(r.opts.SocketPath, r, r.bus, r.logger)
		if err := srv.Start(); err != nil {
			r.logger.Warn("IPC server unavailable", "error", err)
		} else {
			defer srv.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.session.Run(gctx); err != nil && !errors.Is(err, gateway.ErrClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})

	if !r.cfg.Plugins.DisableWatch {
		g.Go(func() error {
			if err := r.registry.Watch(gctx); err != nil {
				// Hot reload is optional; the bot keeps serving the loaded generation.
				r.logger.Error("plugin watcher stopped", "error", err)
			}
			return nil
		})
	}

	if addr := r.cfg.Admin.Listen; addr != "" {
		g.Go(func() error {
			return admin.NewServer(r, nil, r.logger).ListenAndServe(gctx, addr)
		})
	}

	err := g.Wait()
	r.shutdown()
	return err
}

func (r *Runtime) shutdown() {
	r.logger.Info("shutting down")
	r.session.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.registry.Close(ctx); err != nil {
		r.logger.Warn("plugin cleanup incomplete", "error", err)
	}
}

// handleMessage is the gateway's message handler.
func (r *Runtime) handleMessage(ctx context.Context, msg protocol.InboundMessage) error {
	err := r.router.Handle(ctx, msg)
	ev := map[string]any{
		"event":      msg.Event,
		"message_id": msg.MessageID,
		"private":    msg.Private(),
	}
	if err != nil {
		ev["error"] = err.Error()
	}
	r.bus.Emit(eventbus.MessageHandled, ev)
	return err
}

// Status implements ipc.StateProvider.
func (r *Runtime) Status() ipc.StatusResult {
	gen := r.registry.Current()
	res := ipc.StatusResult{
		Version:   r.opts.Version,
		PID:       os.Getpid(),
		StartedAt: r.startedAt,
		Uptime:    time.Since(r.startedAt).Truncate(time.Second).String(),
		Gateway:   r.session.Status(),
		PluginDir: r.registry.Root(),
		Admin:     r.cfg.Admin.Listen,
	}
	if gen != nil {
		res.Generation = gen.ID
		res.Plugins = len(gen.Plugins)
	}
	return res
}

// Plugins implements ipc.StateProvider.
func (r *Runtime) Plugins() plugin.Info {
	return r.registry.Current().Info()
}

// Reload implements ipc.StateProvider.
func (r *Runtime) Reload(ctx context.Context) (ipc.ReloadResult, error) {
	ev, err := r.registry.Reload(ctx)
	if err != nil {
		return ipc.ReloadResult{}, err
	}
	return ipc.ReloadResult{
		Generation: ev.Generation,
		Plugins:    ev.Plugins,
		Staged:     ev.Staged,
		Failed:     ev.Failed,
		Duration:   ev.Duration.String(),
	}, nil
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/daemon"
	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/runtime"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the bot in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	paths := daemon.DefaultPaths()
	if pid, err := paths.RunningPID(); err == nil && pid != os.Getpid() {
		return fmt.Errorf("kestrel is already running (PID %d)", pid)
	}
	if err := paths.WritePID(os.Getpid()); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() {
		if pid, _ := paths.ReadPID(); pid == os.Getpid() {
			_ = paths.RemovePID()
		}
	}()

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(os.Stdout, cfg.Runtime, bus)

	rt, err := runtime.New(cfg, runtime.Options{
		Version:    version,
		SocketPath: paths.Socket(),
	}, logger, bus)
	if err != nil {
		return err
	}

	logger.Info("kestrel starting", "version", version, "config", configPath, "pid", os.Getpid())
	if err := rt.Run(cmd.Context()); err != nil {
		logger.Error("bot stopped with error", "error", err)
		return err
	}
	logger.Info("kestrel stopped")
	return nil
}

// newLogger builds the process logger. Records are also mirrored onto the
// bus so attached dashboards can show them.
func newLogger(w io.Writer, cfg config.RuntimeConfig, bus *eventbus.Bus) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		h = eventbus.NewSlogHandler(h, bus)
	}
	return slog.New(h)
}

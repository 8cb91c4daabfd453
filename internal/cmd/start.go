package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the bot as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	paths := daemon.DefaultPaths()
	if pid, err := paths.RunningPID(); err == nil {
		return fmt.Errorf("kestrel is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := paths.OpenLog()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "run", configPath)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.BackgroundAttrs()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start kestrel: %w", err)
	}
	// The child writes the same PID again once it runs.
	if err := paths.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "kestrel started (PID %d)\n", child.Process.Pid)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", configPath)
	_, _ = fmt.Fprintf(out, "  Logs:   %s\n", paths.LogFile())
	return nil
}

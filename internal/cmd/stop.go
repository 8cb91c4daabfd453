package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
)

const stopTimeout = 15 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background bot",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := daemon.DefaultPaths()

	pid, err := paths.RunningPID()
	if errors.Is(err, daemon.ErrNotRunning) {
		_, _ = fmt.Fprintln(out, "kestrel is not running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Stopping kestrel (PID %d)...\n", pid)
	forced, err := daemon.Terminate(pid, stopTimeout)
	if err != nil {
		return err
	}
	if forced {
		_, _ = fmt.Fprintln(out, "kestrel did not exit in time and was killed")
	}
	_ = paths.RemovePID()
	_, _ = fmt.Fprintln(out, "kestrel stopped")
	return nil
}

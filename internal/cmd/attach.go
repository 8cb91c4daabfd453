package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
	"github.com/kestrel-bot/kestrel/internal/tui/dashboard"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Open the dashboard of the running bot",
		RunE:  runAttach,
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	paths := daemon.DefaultPaths()
	if _, err := paths.RunningPID(); errors.Is(err, daemon.ErrNotRunning) {
		return errNotRunning
	}
	if err := dashboard.Attach(cmd.Context(), paths.Socket()); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "kestrel keeps running in the background.")
	_, _ = fmt.Fprintln(out, "Re-attach: kestrel attach  |  Stop: kestrel stop")
	return nil
}

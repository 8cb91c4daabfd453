package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
	"github.com/kestrel-bot/kestrel/internal/ipc"
)

const ipcTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bot status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := daemon.DefaultPaths()

	var st ipc.StatusResult
	err := withClient(cmd.Context(), paths, func(ctx context.Context, c *ipc.Client) error {
		var err error
		st, err = c.Status(ctx)
		return err
	})
	if err == nil {
		gs := st.Gateway
		_, _ = fmt.Fprintf(out, "Status:     running (PID %d, version %s)\n", st.PID, st.Version)
		_, _ = fmt.Fprintf(out, "Uptime:     %s\n", st.Uptime)
		_, _ = fmt.Fprintf(out, "Gateway:    %s\n", gs.State)
		if gs.SessionID != "" {
			_, _ = fmt.Fprintf(out, "Session:    %s (seq %d)\n", gs.SessionID, gs.Seq)
		}
		_, _ = fmt.Fprintf(out, "Connects:   %d (%d resumed)\n", gs.Connects, gs.Resumes)
		if gs.LastError != "" {
			_, _ = fmt.Fprintf(out, "Last error: %s\n", gs.LastError)
		}
		_, _ = fmt.Fprintf(out, "Plugins:    %d in generation %d (%s)\n", st.Plugins, st.Generation, st.PluginDir)
		if st.Admin != "" {
			_, _ = fmt.Fprintf(out, "Admin:      http://%s\n", st.Admin)
		}
		return nil
	}

	// No control socket: fall back to the PID file.
	pid, perr := paths.RunningPID()
	switch {
	case errors.Is(perr, daemon.ErrNotRunning):
		_, _ = fmt.Fprintln(out, "Status:  stopped")
	case perr != nil:
		return perr
	default:
		_, _ = fmt.Fprintf(out, "Status:  running (PID %d, control socket unavailable: %v)\n", pid, err)
		_, _ = fmt.Fprintf(out, "Logs:    %s\n", paths.LogFile())
	}
	return nil
}

// withClient dials the control socket and runs fn with a bounded context.
func withClient(ctx context.Context, paths daemon.Paths, fn func(context.Context, *ipc.Client) error) error {
	c, err := ipc.Dial(paths.Socket())
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, ipcTimeout)
	defer cancel()
	return fn(ctx, c)
}

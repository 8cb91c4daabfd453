package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/plugin"
)

var errNotRunning = errors.New(`kestrel is not running (start it with "kestrel start")`)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect or reload the running bot's plugins",
		RunE:  runPluginsList,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded plugins and their routes",
		RunE:  runPluginsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Stage bundles and load a new plugin generation now",
		RunE:  runPluginsReload,
	})
	return cmd
}

// dial connects to the running bot, mapping a missing socket to errNotRunning.
func dial(cmd *cobra.Command, fn func(context.Context, *ipc.Client) error) error {
	paths := daemon.DefaultPaths()
	if _, err := paths.RunningPID(); errors.Is(err, daemon.ErrNotRunning) {
		return errNotRunning
	}
	return withClient(cmd.Context(), paths, fn)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	var info plugin.Info
	err := dial(cmd, func(ctx context.Context, c *ipc.Client) error {
		var err error
		info, err = c.Plugins(ctx)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Generation %d, loaded %s\n\n", info.ID, info.LoadedAt.Local().Format("2006-01-02 15:04:05"))
	if len(info.Plugins) == 0 {
		_, _ = fmt.Fprintln(out, "No plugins loaded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tMAIN\tTYPES")
	for _, d := range info.Plugins {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Version, d.Main, strings.Join(d.Types, ","))
	}
	_ = tw.Flush()

	routes := make([]string, 0, len(info.Routes))
	for typ := range info.Routes {
		routes = append(routes, typ)
	}
	sort.Strings(routes)
	_, _ = fmt.Fprintln(out, "\nRoutes:")
	for _, typ := range routes {
		_, _ = fmt.Fprintf(out, "  %-16s -> %s\n", typ, info.Routes[typ])
	}
	if info.Default != "" {
		_, _ = fmt.Fprintf(out, "  %-16s -> %s\n", "(default)", info.Default)
	}
	return nil
}

func runPluginsReload(cmd *cobra.Command, args []string) error {
	var res ipc.ReloadResult
	err := dial(cmd, func(ctx context.Context, c *ipc.Client) error {
		var err error
		res, err = c.Reload(ctx)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Generation %d loaded with %d plugins in %s\n", res.Generation, res.Plugins, res.Duration)
	for _, sb := range res.Staged {
		line := fmt.Sprintf("  staged %s -> %s", sb.Archive, sb.Dir)
		if sb.Backup != "" {
			line += " (previous kept at " + sb.Backup + ")"
		}
		_, _ = fmt.Fprintln(out, line)
	}
	if len(res.Failed) > 0 {
		_, _ = fmt.Fprintf(out, "  failed to load: %s (see logs)\n", strings.Join(res.Failed, ", "))
	}
	return nil
}

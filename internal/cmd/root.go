// Package cmd implements the kestrel command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
)

var version = "dev"

// NewRootCmd creates the root command. A bare "kestrel" in a terminal
// attaches to a running bot, runs the setup wizard when there is no config,
// and otherwise runs the bot in the foreground.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "kestrel is a chat bot host with hot-reloadable plugins",
		Long:          "kestrel keeps a gateway session open, routes commands to plugins and reloads them when the plugin directory changes.",
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newPluginsCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newAttachCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default $KESTREL_HOME/config.json)")
	return root
}

// resolveConfigPath returns, in order: the positional argument, the
// --config flag, the config file in the state directory.
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return daemon.DefaultPaths().ConfigFile()
}

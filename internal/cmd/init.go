package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kestrel-bot/kestrel/internal/daemon"
	"github.com/kestrel-bot/kestrel/internal/wizard"
	"github.com/kestrel-bot/kestrel/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup that writes a config file and starter plugins",
		RunE:  runInit,
	}
	cmd.Flags().StringP("output", "o", "", "config file path (.json or .toml)")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	output := ""
	if f := cmd.Flags().Lookup("output"); f != nil {
		output = f.Value.String()
	}
	if output == "" {
		if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
			output = f.Value.String()
		}
	}
	_, err := wizard.New(cli.DefaultPrompter()).Run(output, daemon.DefaultPaths().ConfigFile())
	return err
}

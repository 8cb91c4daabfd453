package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kestrel-bot/kestrel/internal/daemon"
)

// bareAction is what "kestrel" with no subcommand does.
type bareAction int

const (
	bareRun    bareAction = iota // serve in the foreground
	bareAttach                   // open the dashboard on the background bot
	bareSetup                    // write a starter config
)

// chooseBareAction picks the action. Scripts and service managers always
// get a foreground bot; a person at a terminal is sent to the dashboard or
// the setup wizard when that is more useful.
func chooseBareAction(interactive, botRunning, haveConfig bool) bareAction {
	switch {
	case !interactive:
		return bareRun
	case botRunning:
		return bareAttach
	case !haveConfig:
		return bareSetup
	default:
		return bareRun
	}
}

func runDefault(cmd *cobra.Command, args []string) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	_, pidErr := daemon.DefaultPaths().RunningPID()
	_, statErr := os.Stat(resolveConfigPath(cmd, args))

	switch chooseBareAction(interactive, pidErr == nil, !errors.Is(statErr, os.ErrNotExist)) {
	case bareAttach:
		return runAttach(cmd, args)
	case bareSetup:
		return runInit(cmd, nil)
	default:
		return runRun(cmd, args)
	}
}

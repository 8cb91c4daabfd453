//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// BackgroundAttrs puts a started bot in a session of its own, away from the
// terminal that ran "kestrel start".
func BackgroundAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// Alive reports whether the bot process pid still exists. A process owned by
// another user counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate asks the bot to shut down with SIGTERM, which closes its gateway
// session and cleans up plugins. A bot still alive after grace gets SIGKILL
// and forced is true.
func Terminate(pid int, grace time.Duration) (forced bool, err error) {
	if !Alive(pid) {
		return false, nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("signal bot %d: %w", pid, err)
	}
	if waitExit(pid, grace) {
		return false, nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return true, fmt.Errorf("kill bot %d: %w", pid, err)
	}
	return true, nil
}

//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// queryLimited is PROCESS_QUERY_LIMITED_INFORMATION.
const queryLimited = 0x1000

// BackgroundAttrs detaches a started bot from the console's Ctrl+C group.
func BackgroundAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Alive reports whether the bot process pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(queryLimited, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}

// Terminate kills the bot. There is no graceful signal to send, so plugin
// cleanup does not run and forced is always true for a live bot.
func Terminate(pid int, grace time.Duration) (forced bool, err error) {
	if !Alive(pid) {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find bot %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return true, fmt.Errorf("kill bot %d: %w", pid, err)
	}
	waitExit(pid, grace)
	return true, nil
}

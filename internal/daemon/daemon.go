// Package daemon manages the files of a backgrounded bot: PID file, log file
// and IPC socket under one state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvDir overrides the state directory.
const EnvDir = "KESTREL_HOME"

// ErrNotRunning is returned when no live bot process is recorded.
var ErrNotRunning = errors.New("kestrel is not running")

// Paths locates the state files.
type Paths struct {
	Dir string
}

// DefaultPaths uses $KESTREL_HOME, falling back to ~/.kestrel.
func DefaultPaths() Paths {
	if dir := os.Getenv(EnvDir); dir != "" {
		return Paths{Dir: dir}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{Dir: ".kestrel"}
	}
	return Paths{Dir: filepath.Join(home, ".kestrel")}
}

func (p Paths) PIDFile() string { return filepath.Join(p.Dir, "kestrel.pid") }
func (p Paths) LogFile() string { return filepath.Join(p.Dir, "kestrel.log") }
func (p Paths) Socket() string  { return filepath.Join(p.Dir, "kestrel.sock") }

// ConfigFile is where init writes the config when no path is given.
func (p Paths) ConfigFile() string { return filepath.Join(p.Dir, "config.json") }

func (p Paths) ensure() error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// WritePID records pid.
func (p Paths) WritePID(pid int) error {
	if err := p.ensure(); err != nil {
		return err
	}
	return os.WriteFile(p.PIDFile(), []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPID returns the recorded pid, or 0 when there is none.
func (p Paths) ReadPID() (int, error) {
	data, err := os.ReadFile(p.PIDFile())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", p.PIDFile(), err)
	}
	return pid, nil
}

// RemovePID deletes the PID file if present.
func (p Paths) RemovePID() error {
	if err := os.Remove(p.PIDFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RunningPID returns the pid of a live bot. A PID file left by a dead
// process is removed and ErrNotRunning returned.
func (p Paths) RunningPID() (int, error) {
	pid, err := p.ReadPID()
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, ErrNotRunning
	}
	if !Alive(pid) {
		_ = p.RemovePID()
		return 0, ErrNotRunning
	}
	return pid, nil
}

// OpenLog opens the log file for appending.
func (p Paths) OpenLog() (*os.File, error) {
	if err := p.ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(p.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// waitExit polls until pid is gone or grace runs out. It reports whether the
// process exited.
func waitExit(pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for Alive(pid) {
		select {
		case <-deadline.C:
			return !Alive(pid)
		case <-poll.C:
		}
	}
	return true
}

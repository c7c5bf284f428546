// Package lifecycle binds the lifetime of the graphical session to
// processes: a watchdog that fires once a process is gone, the reverse
// binding that ends the starting process together with the compositor,
// and helpers to spawn and exec helper processes.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessAlive probes pid with signal 0. A process owned by another user
// counts as alive.
func ProcessAlive(pid int) (bool, error) {
	err := unix.Kill(pid, 0)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return true, nil
	default:
		return false, fmt.Errorf("probing pid %d: %w", pid, err)
	}
}

// Signal sends sig to pid.
func Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Command builds a command for an absolute path.
func Command(path string, args []string) (*exec.Cmd, error) {
	if path == "" {
		return nil, errors.New("missing command path")
	}

	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("command path must be absolute: %s", path)
	}

	return &exec.Cmd{
		Path: path,
		Args: append([]string{path}, args...),
	}, nil
}

// Spawn starts cmd in its own process group and does not wait for it. The
// child survives the caller replacing its image.
func Spawn(cmd *exec.Cmd, stderr io.Writer) (int, error) {
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Start()
	if err != nil {
		return 0, fmt.Errorf("spawning %s: %w", cmd.Path, err)
	}

	pid := cmd.Process.Pid

	err = cmd.Process.Release()
	if err != nil {
		return pid, fmt.Errorf("releasing %s: %w", cmd.Path, err)
	}

	return pid, nil
}

// Exec replaces the calling process with name, looked up in PATH, keeping
// its PID and terminal. It only returns on failure.
func Exec(name string, args, env []string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", name, err)
	}

	err = unix.Exec(path, append([]string{name}, args...), env)

	return fmt.Errorf("executing %s: %w", path, err)
}

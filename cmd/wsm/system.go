package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/wsm/internal/clock"
	"github.com/calvinalkan/wsm/lifecycle"
	"github.com/calvinalkan/wsm/session"
	"github.com/calvinalkan/wsm/sysd"
)

// Systemd is the part of the user manager the commands use.
type Systemd interface {
	session.Store
	ActiveState(ctx context.Context, unit string) (string, error)
	MainPID(ctx context.Context, unit string) (int, error)
	ListUnits(ctx context.Context, states, patterns []string) ([]sysd.UnitStatus, error)
	Reload(ctx context.Context) error
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	Close() error
}

// Seats is the part of logind the commands use.
type Seats interface {
	SessionByVT(ctx context.Context, uid uint32, vt int) (string, error)
	SystemUnitActive(ctx context.Context, unit string) (bool, error)
	Close() error
}

// System holds everything the commands need from the host. Tests replace
// the connections and process operations with fakes.
type System struct {
	ConnectUser   func(ctx context.Context) (Systemd, error)
	ConnectLogind func(ctx context.Context) (Seats, error)

	// Exec replaces the process image. It only returns on failure.
	Exec func(name string, args, env []string) error
	// Spawn starts a detached child and returns its PID.
	Spawn func(cmd *exec.Cmd, stderr io.Writer) (int, error)
	// IgnoreSignals makes the process immune to SIGINT and SIGHUP.
	IgnoreSignals func()

	// Executable is the absolute path of the running wsm binary.
	Executable string
	UID        int
	PID        int
	PPID       int
	// VTFile names the active VT, "" for the sysfs default. ProcDir is
	// the proc filesystem root.
	VTFile  string
	ProcDir string
	Clock   clock.Clock
}

// HostSystem returns the System of the running process.
func HostSystem() *System {
	executable, err := os.Executable()
	if err == nil {
		executable, err = filepath.EvalSymlinks(executable)
	}

	if err != nil {
		executable = ""
	}

	return &System{
		ConnectUser: func(ctx context.Context) (Systemd, error) {
			m, err := sysd.ConnectUser(ctx)
			if err != nil {
				return nil, err
			}

			return userManager{Manager: m, store: sysd.ActivationStore{Manager: m}}, nil
		},
		ConnectLogind: func(ctx context.Context) (Seats, error) {
			return sysd.ConnectLogind(ctx)
		},
		Exec:  lifecycle.Exec,
		Spawn: lifecycle.Spawn,
		IgnoreSignals: func() {
			signal.Ignore(unix.SIGINT, unix.SIGHUP)
		},
		Executable: executable,
		UID:        os.Getuid(),
		PID:        os.Getpid(),
		PPID:       os.Getppid(),
		ProcDir:    "/proc",
		Clock:      clock.Real(),
	}
}

// userManager routes environment access through the activation store and
// everything else to the manager.
type userManager struct {
	*sysd.Manager

	store sysd.ActivationStore
}

func (u userManager) Environment(ctx context.Context) (map[string]string, error) {
	return u.store.Environment(ctx)
}

func (u userManager) Import(ctx context.Context, vars map[string]string) error {
	return u.store.Import(ctx, vars)
}

func (u userManager) Unset(ctx context.Context, names []string) error {
	return u.store.Unset(ctx, names)
}

// parentCmdline returns the command line of the parent process.
func (s *System) parentCmdline() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.ProcDir, strconv.Itoa(s.PPID), "cmdline"))
	if err != nil {
		return nil, fmt.Errorf("reading parent command line: %w", err)
	}

	return strings.Split(strings.TrimRight(string(data), "\x00"), "\x00"), nil
}

// envMapToSlice converts an env map to a slice of "KEY=value" strings.
func envMapToSlice(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}

	return result
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/calvinalkan/wsm/lifecycle"
	"github.com/calvinalkan/wsm/session"
)

var (
	// ErrInvalidPID is returned for PID arguments that are not positive numbers.
	ErrInvalidPID = errors.New("invalid PID")
	// ErrMissingArgument is returned when a required argument is absent.
	ErrMissingArgument = errors.New("missing argument")
)

// WaitenvCmd creates the aux waitenv command.
func WaitenvCmd(a *app) *Command {
	flags := newFlags("waitenv")
	flags.Bool("notify", false, "Send READY=1 to $NOTIFY_SOCKET when done")

	return &Command{
		Flags: flags,
		Usage: "waitenv [--notify]",
		Short: "Wait for the compositor to publish its variables",
		Long: "Wait until WAYLAND_DISPLAY and every name of WSM_WAIT_VARNAMES are set in the\n" +
			"activation environment, then wait WSM_WAIT_VARNAMES_SETTLETIME for late\n" +
			"arrivals. Fails after WSM_WAIT_VARNAMES_TIMEOUT seconds.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, _ []string) error {
			notify, _ := flags.GetBool("notify")

			log := a.log.With("command", "aux waitenv")

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			lists, err := a.cleanupLists()
			if err != nil {
				return err
			}

			warn := func(name string) {
				log.Warn("ignoring invalid variable name", "name", name)
			}

			required := session.Union(
				session.NewSet(session.MarkerVar),
				session.Normalize(session.ParseNames(a.env[session.WaitVarnamesVar]), warn),
				session.Normalize(a.cfg.WaitVarnames, warn),
			)

			waiter := &session.Waiter{
				Store:        m,
				Clock:        a.sys.Clock,
				Required:     required,
				Timeout:      a.cfg.WaitTimeoutDuration(),
				Settle:       a.cfg.SettleDuration(),
				NeverCleanup: a.policy().NeverCleanup,
				Cleanup:      &lists,
				Log:          log,
				OnTransition: func(s session.WaitState) {
					log.Debug("wait state", "state", s.String())
				},
			}

			if notify {
				waiter.Notifier = session.SocketNotifier{Socket: a.env["NOTIFY_SOCKET"]}
			}

			delta, err := waiter.Run(ctx)
			if err != nil {
				return err
			}

			a.debug.Names("recorded for cleanup", delta.Sorted())

			return nil
		},
	}
}

// WaitpidCmd creates the aux waitpid command run by the bind-pid unit.
func WaitpidCmd(a *app) *Command {
	flags := newFlags("waitpid")

	return &Command{
		Flags: flags,
		Usage: "waitpid <pid>",
		Short: "Wait for a process to exit",
		Long: "Block until the process exits. Uses waitpid(1) when installed and falls back\n" +
			"to probing the process every 200ms.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, args []string) error {
			pid, err := parsePID(args)
			if err != nil {
				return err
			}

			argv := lifecycle.ExternalWaitpid(pid)
			if argv != nil {
				err = a.sys.Exec(argv[0], argv[1:], envMapToSlice(a.env))
				if err == nil {
					return nil
				}

				a.log.Warn("cannot run waitpid, falling back to probing", "error", err)
			}

			watchdog := &lifecycle.Watchdog{
				PID:   pid,
				Clock: a.sys.Clock,
				Log:   a.log.With("command", "aux waitpid", "pid", pid),
			}

			return watchdog.Run(ctx)
		},
	}
}

// BindSessionCmd creates the aux bind-session command spawned by start.
func BindSessionCmd(a *app) *Command {
	flags := newFlags("bind-session")
	flags.Int("parent", 0, "PID to terminate when the compositor exits")

	return &Command{
		Flags: flags,
		Usage: "bind-session --parent <pid> <unit>",
		Short: "Terminate a process when the compositor exits",
		Long: "Find the main process of the compositor unit, wait for it to exit and then\n" +
			"terminate the parent if it is still running. Ignores SIGINT and SIGHUP.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, args []string) error {
			a.sys.IgnoreSignals()

			parent, _ := flags.GetInt("parent")
			if parent <= 0 {
				return fmt.Errorf("%w: --parent %d", ErrInvalidPID, parent)
			}

			if len(args) != 1 {
				return fmt.Errorf("%w: unit", ErrMissingArgument)
			}

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			binder := &lifecycle.Binder{
				Units:  m,
				Unit:   args[0],
				Parent: parent,
				Clock:  a.sys.Clock,
				Log:    a.log.With("command", "aux bind-session", "unit", args[0], "parent", parent),
			}

			return binder.Run(ctx)
		},
	}
}

// bindsSession reports whether args invoke aux bind-session, looking past
// global flags.
func bindsSession(args []string) bool {
	var words []string

	for i := 1; i < len(args) && len(words) < 2; i++ {
		arg := args[i]

		switch {
		case arg == "--config":
			i++
		case strings.HasPrefix(arg, "-"):
			if len(words) > 0 {
				return false
			}
		default:
			words = append(words, arg)
		}
	}

	return len(words) == 2 && words[0] == "aux" && words[1] == "bind-session"
}

func parsePID(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: pid", ErrMissingArgument)
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, args[0])
	}

	return pid, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/calvinalkan/wsm/sysd"
)

// CheckCmd creates the check command group.
func CheckCmd(a *app) *Command {
	flags := newFlags("check")
	flags.SetInterspersed(false)

	subs := []*Command{
		IsActiveCmd(a),
		MayStartCmd(a),
	}

	return &Command{
		Flags: flags,
		Usage: "check <is-active|may-start> [args]",
		Short: "Check the session state",
		Long: "Report through the exit code whether a compositor is running (is-active)\n" +
			"or whether this login may start one (may-start).",
		Exec: group("wsm check", subs),
	}
}

// IsActiveCmd creates the check is-active command.
func IsActiveCmd(a *app) *Command {
	flags := newFlags("is-active")
	flags.BoolP("verbose", "v", false, "Print the active compositor unit")

	return &Command{
		Flags: flags,
		Usage: "is-active [flags] [compositor]",
		Short: "Check if a compositor is running",
		Long: "Exits 0 if a compositor unit is active or activating, 1 otherwise. With an\n" +
			"argument, only that compositor counts.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			verbose, _ := flags.GetBool("verbose")

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			units, err := activeCompositors(ctx, m)
			if err != nil {
				return err
			}

			for _, u := range units {
				if len(args) > 0 && !unitMatches(u.Name, args[0]) {
					continue
				}

				if verbose {
					fprintf(stdout, "%s is %s\n", u.Name, u.ActiveState)
				}

				return nil
			}

			if verbose {
				fprintln(stdout, "No compositor is running.")
			}

			return ErrSilentExit
		},
	}
}

// unitMatches reports whether unit is the compositor unit of id, given as
// executable or as escaped unit string.
func unitMatches(unit, id string) bool {
	instance := sysd.UnitInstance(unit)

	return instance == id || instance == sysd.Escape(id)
}

// MayStartCmd creates the check may-start command.
func MayStartCmd(a *app) *Command {
	flags := newFlags("may-start")
	flags.BoolP("verbose", "v", false, "Print the result of every check")
	flags.BoolP("quiet", "q", false, "Do not explain why a compositor may not start")

	return &Command{
		Flags: flags,
		Usage: "may-start [flags] [VT...]",
		Short: "Check if a compositor may be started",
		Long: "Exits 0 if no compositor is running, the parent is a login shell, the\n" +
			"foreground VT is one of the given VTs (default 1) and the system reached\n" +
			"graphical.target. Meant for shell profiles.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			verbose, _ := flags.GetBool("verbose")
			quiet, _ := flags.GetBool("quiet")

			allowed := []int{1}

			if len(args) > 0 {
				allowed = allowed[:0]

				for _, arg := range args {
					vt, err := strconv.Atoi(arg)
					if err != nil || vt < 1 {
						return fmt.Errorf("invalid VT %q", arg)
					}

					allowed = append(allowed, vt)
				}
			}

			const alreadyActive = "A compositor is already running"

			var dealbreakers []string

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			units, err := activeCompositors(ctx, m)
			if err != nil {
				return err
			}

			if len(units) > 0 {
				dealbreakers = append(dealbreakers, alreadyActive)
			}

			cmdline, err := a.sys.parentCmdline()
			if err != nil || len(cmdline) == 0 || !strings.HasPrefix(cmdline[0], "-") {
				dealbreakers = append(dealbreakers, "Not in login shell")
			}

			vt, err := sysd.ForegroundVT(a.sys.VTFile)

			switch {
			case err != nil:
				dealbreakers = append(dealbreakers, "Cannot determine foreground VT")
			case !slices.Contains(allowed, vt):
				dealbreakers = append(dealbreakers, fmt.Sprintf("VT %d is not in allowed VTs %v", vt, allowed))
			}

			if !a.systemGraphical(ctx) {
				dealbreakers = append(dealbreakers, "System has not reached graphical.target")
			}

			if len(dealbreakers) > 0 {
				if verbose || (!quiet && slices.Equal(dealbreakers, []string{alreadyActive})) {
					fprintln(stderr, "May not start compositor:\n  "+strings.Join(dealbreakers, "\n  "))
				}

				return ErrSilentExit
			}

			if verbose {
				fprintln(stdout, "May start compositor.")
			}

			return nil
		},
	}
}

// systemGraphical reports whether the system reached graphical.target.
// Errors count as not reached.
func (a *app) systemGraphical(ctx context.Context) bool {
	l, err := a.sys.ConnectLogind(ctx)
	if err != nil {
		a.log.Debug("cannot connect to system bus", "error", err)

		return false
	}
	defer func() { _ = l.Close() }()

	active, err := l.SystemUnitActive(ctx, "graphical.target")
	if err != nil {
		a.log.Debug("cannot query graphical.target", "error", err)

		return false
	}

	return active
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/calvinalkan/wsm/lifecycle"
	"github.com/calvinalkan/wsm/session"
)

// ErrNoExecutable is returned when the path of the running binary is
// unknown, so no units can point at it.
var ErrNoExecutable = errors.New("cannot determine the wsm executable")

// graphicalGrace is how long start waits when the system has not reached
// graphical.target.
const graphicalGrace = 5 * time.Second

// StartCmd creates the start command.
func StartCmd(a *app) *Command {
	flags := newFlags("start")
	flags.SetInterspersed(false)
	idFlags := addIdentityFlags(flags)
	flags.BoolP("only-generate", "o", false, "Only write the units, do not start")
	flags.BoolP("dry-run", "n", false, "Print what would be done without doing it")

	return &Command{
		Flags: flags,
		Usage: "start [flags] <compositor> [args]",
		Short: "Start a compositor session",
		Long: "Write the session units, bind the session to this process and start the\n" +
			"compositor unit. This process becomes 'systemctl --user start --wait' and\n" +
			"ends with the compositor.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			onlyGenerate, _ := flags.GetBool("only-generate")
			dryRun, _ := flags.GetBool("dry-run")

			id, err := idFlags.identity(args, a.env["XDG_CURRENT_DESKTOP"])
			if err != nil {
				return err
			}

			return a.start(ctx, stdout, stderr, id, onlyGenerate, dryRun)
		},
	}
}

func (a *app) start(ctx context.Context, stdout, stderr io.Writer, id session.Identity, onlyGenerate, dryRun bool) error {
	if a.sys.Executable == "" {
		return ErrNoExecutable
	}

	log := a.log.With("command", "start", "compositor", id.ID)

	debug := a.debug
	if dryRun {
		debug = NewDebugLogger(stdout)
	}

	debug.Identity(id)

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
		if !dryRun {
			return fmt.Errorf("%w: %s", ErrCompositorRunning, units[0].Name)
		}

		fprintf(stdout, "%s is running, continuing dry run.\n", units[0].Name)
	}

	unit := compositorUnit(id)

	err = a.writeUnits(ctx, m, stdout, &id, dryRun)
	if err != nil {
		return err
	}

	if onlyGenerate {
		fprintln(stdout, "Only unit creation was requested, not starting.")

		return nil
	}

	bindUnit := "wayland-session-bindpid@" + strconv.Itoa(a.sys.PID) + ".service"
	systemctl := []string{"--user", "start", "--wait", unit}

	graphical := a.systemGraphical(ctx)

	if dryRun {
		if !graphical {
			fprintln(stdout, "System has not reached graphical.target.")
		}

		fprintf(stdout, "Will start %s bound to PID %d.\n", unit, a.sys.PID)
		fprintf(stdout, "Will run: systemctl %s\n", joinOrNone(systemctl))

		return nil
	}

	if !graphical {
		log.Warn("system has not reached graphical.target, continuing shortly", "delay", graphicalGrace)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.sys.Clock.After(graphicalGrace):
		}
	}

	dir, err := a.runtimeDir()
	if err != nil {
		return err
	}

	mark, err := session.SaveStartContext(dir, a.env, a.sys.Clock.Now())
	if err != nil {
		return err
	}

	err = m.Import(ctx, map[string]string{session.StartMarkVar: mark})
	if err != nil {
		return fmt.Errorf("publishing start mark: %w", err)
	}

	err = m.StartUnit(ctx, bindUnit)
	if err != nil {
		return fmt.Errorf("binding session to PID %d: %w", a.sys.PID, err)
	}

	binder, err := lifecycle.Command(a.sys.Executable, []string{"aux", "bind-session", "--parent", strconv.Itoa(a.sys.PID), unit})
	if err != nil {
		return err
	}

	binder.Env = envMapToSlice(a.env)

	_, err = a.sys.Spawn(binder, stderr)
	if err != nil {
		return err
	}

	log.Info("starting compositor and waiting while it runs", "unit", unit)

	return a.sys.Exec("systemctl", systemctl, envMapToSlice(a.env))
}

// writeUnits renders the session units for id and reloads the manager when
// any of them changed.
func (a *app) writeUnits(ctx context.Context, m Systemd, stdout io.Writer, id *session.Identity, dryRun bool) error {
	dir, err := session.UnitDirFor(a.env)
	if err != nil {
		return err
	}

	units := session.SessionUnits(session.UnitOptions{
		Executable:      a.sys.Executable,
		Identity:        id,
		UseSessionSlice: a.cfg.SessionSlice(),
		WaitTimeout:     a.cfg.WaitTimeoutDuration(),
		SettleTime:      a.cfg.SettleDuration(),
	})

	if dryRun {
		for _, u := range units {
			fprintf(stdout, "Will write %s\n", u.Path)
		}

		return nil
	}

	changed, err := dir.Update(units)
	if err != nil {
		return err
	}

	if !changed {
		fprintln(stdout, "Units unchanged.")

		return nil
	}

	err = m.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reloading user manager: %w", err)
	}

	fprintln(stdout, "Units updated, manager reloaded.")

	return nil
}

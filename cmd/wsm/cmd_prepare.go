package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/calvinalkan/wsm/session"
	"github.com/calvinalkan/wsm/sysd"
)

// PrepareEnvCmd creates the aux prepare-env command run by the env unit.
func PrepareEnvCmd(a *app) *Command {
	flags := newFlags("prepare-env")
	flags.SetInterspersed(false)
	idFlags := addIdentityFlags(flags)
	flags.BoolP("dry-run", "n", false, "Print the plan without exporting anything")

	return &Command{
		Flags: flags,
		Usage: "prepare-env [flags] <compositor> [args]",
		Short: "Prepare the activation environment",
		Long: "Source the login profile and the wsm env files, apply compositor quirks and\n" +
			"export the resulting changes to the activation environment. On failure the\n" +
			"environment is cleaned up again.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			dryRun, _ := flags.GetBool("dry-run")

			if !dryRun {
				err := a.requireManager()
				if err != nil {
					return err
				}
			}

			id, err := idFlags.identity(args, "")
			if err != nil {
				return err
			}

			return a.prepareEnv(ctx, stdout, id, dryRun)
		},
	}
}

func (a *app) prepareEnv(ctx context.Context, stdout io.Writer, id session.Identity, dryRun bool) error {
	log := a.log.With("command", "aux prepare-env", "compositor", id.ID)

	m, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	dir, err := a.runtimeDir()
	if err != nil {
		return err
	}

	lists := session.CleanupLists{Dir: dir}
	policy := a.policy()

	var startContext map[string]string

	if !dryRun {
		startContext = a.loadStartContext(ctx, m, dir, log)
	}

	var seat *session.Seat
	if startContext["XDG_VTNR"] == "" || startContext["XDG_SESSION_ID"] == "" {
		seat = a.detectSeat(ctx, log)
	}

	hooks := session.NewRegistry()
	session.RegisterBuiltinQuirks(hooks)

	closePlugins, err := session.LoadLuaPlugins(hooks, id, session.PluginFiles(session.SnapshotOf(a.env, nil), id.BinID), log)
	if err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	defer closePlugins()

	preparer := &session.Preparer{
		Store:    m,
		Profile:  &session.ShellSourcer{Log: log},
		EnvFiles: a.envFileSourcer(log),
		Hooks:    hooks,
		Policy:   policy,
		Cleanup:  lists,
		Log:      log,
		UID:      a.sys.UID,
	}

	debug := a.debug
	if dryRun {
		debug = NewDebugLogger(stdout)
	}

	debug.Identity(id)

	plan, err := preparer.Prepare(ctx, session.PrepareInput{
		Identity:     id,
		StartContext: startContext,
		Seat:         seat,
		DryRun:       dryRun,
	})
	if err != nil {
		if dryRun {
			return err
		}

		log.Error("preparing environment failed, cleaning up", "error", err)

		_, cleanupErr := session.Cleanup(ctx, m, lists, policy, log)
		if cleanupErr != nil {
			log.Error("cleanup after failed preparation incomplete", "error", cleanupErr)
		}

		return err
	}

	debug.Plan(plan)

	return nil
}

// loadStartContext returns the environment saved by start, or nil when
// there is none or it does not match the published mark.
func (a *app) loadStartContext(ctx context.Context, m Systemd, dir string, log *slog.Logger) map[string]string {
	current, err := m.Environment(ctx)
	if err != nil {
		log.Warn("cannot read start mark", "error", err)

		return nil
	}

	mark := current[session.StartMarkVar]
	if mark == "" {
		return nil
	}

	startContext, err := session.LoadStartContext(dir, mark)
	if err != nil {
		if !errors.Is(err, session.ErrNoStartContext) {
			log.Warn("ignoring start context", "error", err)
		}

		return nil
	}

	return startContext
}

// detectSeat finds the VT in the foreground and the login session on it.
// Failures are logged; the session then starts without them.
func (a *app) detectSeat(ctx context.Context, log *slog.Logger) *session.Seat {
	vt, err := sysd.ForegroundVT(a.sys.VTFile)
	if err != nil {
		log.Warn("cannot detect VT", "error", err)

		return nil
	}

	l, err := a.sys.ConnectLogind(ctx)
	if err != nil {
		log.Warn("cannot connect to logind", "error", err)

		return nil
	}
	defer func() { _ = l.Close() }()

	sessionID, err := l.SessionByVT(ctx, uint32(a.sys.UID), vt)
	if err != nil {
		log.Warn("cannot detect login session", "vt", vt, "error", err)

		return nil
	}

	return &session.Seat{VT: vt, SessionID: sessionID}
}

func (a *app) envFileSourcer(log *slog.Logger) session.Sourcer {
	if a.cfg.EnvFiles == envFilesDeclarative {
		return &session.DeclarativeSourcer{Log: log}
	}

	return &session.ShellSourcer{Log: log}
}

// CleanupEnvCmd creates the aux cleanup-env command run when the env unit
// stops.
func CleanupEnvCmd(a *app) *Command {
	flags := newFlags("cleanup-env")

	return &Command{
		Flags: flags,
		Usage: "cleanup-env",
		Short: "Remove session variables from the activation environment",
		Long: "Unset every variable recorded in the cleanup lists and the always-cleanup\n" +
			"names. Refuses to run while a compositor unit is active.",
		Exec: func(ctx context.Context, _ io.Reader, _, _ io.Writer, _ []string) error {
			err := a.requireManager()
			if err != nil {
				return err
			}

			log := a.log.With("command", "aux cleanup-env")

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
				return fmt.Errorf("%w (%s), will not clean up environment", ErrCompositorRunning, units[0].Name)
			}

			lists, err := a.cleanupLists()
			if err != nil {
				return err
			}

			res, err := session.Cleanup(ctx, m, lists, a.policy(), log)
			if err != nil {
				log.Warn("cleanup incomplete", "error", err)
			}

			a.debug.Section("Cleanup")
			a.debug.Names("unset", res.Unset.Sorted())
			a.debug.Names("lists", res.Files)

			return nil
		},
	}
}

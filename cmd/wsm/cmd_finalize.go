package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/calvinalkan/wsm/session"
)

// FinalizeCmd creates the finalize command, run by the compositor once it
// is ready.
func FinalizeCmd(a *app) *Command {
	flags := newFlags("finalize")

	return &Command{
		Flags: flags,
		Usage: "finalize [NAME...]",
		Short: "Export compositor variables and signal readiness",
		Long: "Export WAYLAND_DISPLAY, DISPLAY and the named variables to the activation\n" +
			"environment and notify the compositor unit that startup finished. Names from\n" +
			"WSM_FINALIZE_VARNAMES and the config are added; undefined names are skipped.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			log := a.log.With("command", "finalize")

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			units, err := activeCompositors(ctx, m)
			if err != nil {
				return err
			}

			if len(units) != 1 {
				return fmt.Errorf("%w, found %d", ErrNoCompositor, len(units))
			}

			lists, err := a.cleanupLists()
			if err != nil {
				return err
			}

			names := slices.Concat(args, session.ParseNames(a.env[session.FinalizeVarnamesVar]), a.cfg.FinalizeVarnames)

			finalizer := &session.Finalizer{
				Store:    m,
				Cleanup:  lists,
				Policy:   a.policy(),
				Notifier: session.SocketNotifier{Socket: a.env["NOTIFY_SOCKET"]},
				Clock:    a.sys.Clock,
				Log:      log,
			}

			res, err := finalizer.Finalize(ctx, session.FinalizeInput{
				Env:        a.env,
				Names:      names,
				Activating: units[0].ActiveState == stateActivating,
			})
			if err != nil {
				return err
			}

			exported := make([]string, 0, len(res.Exported))
			for name := range res.Exported {
				exported = append(exported, name)
			}

			slices.Sort(exported)

			fprintf(stdout, "Exported: %s\n", joinOrNone(exported))

			if !res.Notified {
				fprintf(stdout, "Unit %s is already active.\n", units[0].Name)
			}

			return nil
		},
	}
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}

	return strings.Join(names, " ")
}

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/calvinalkan/wsm/session"
)

// StopCmd creates the stop command.
func StopCmd(a *app) *Command {
	flags := newFlags("stop")
	flags.BoolP("remove-units", "r", false, "Remove generated units, only those of [compositor] if given")
	flags.BoolP("dry-run", "n", false, "Print what would be done without doing it")

	return &Command{
		Flags: flags,
		Usage: "stop [flags] [compositor]",
		Short: "Stop the running compositor session",
		Long: "Stop the running compositor unit. With -r, also remove the generated units,\n" +
			"either all of them or only the drop-ins of the given compositor.",
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			removeUnits, _ := flags.GetBool("remove-units")
			dryRun, _ := flags.GetBool("dry-run")

			if len(args) > 0 && !removeUnits {
				return fmt.Errorf("%w: a compositor can only be given with -r", ErrMissingArgument)
			}

			m, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			err = a.stopCompositor(ctx, m, stdout, dryRun)
			if err != nil {
				return err
			}

			if !removeUnits {
				return nil
			}

			only := ""
			if len(args) > 0 {
				only = args[0]
			}

			return a.removeUnits(ctx, m, stdout, only, dryRun)
		},
	}
}

func (a *app) stopCompositor(ctx context.Context, m Systemd, stdout io.Writer, dryRun bool) error {
	units, err := activeCompositors(ctx, m)
	if err != nil {
		return err
	}

	if len(units) == 0 {
		fprintln(stdout, "Compositor is not running.")

		return nil
	}

	if len(units) > 1 {
		a.log.Warn("multiple compositor units found", "units", len(units))
	}

	if dryRun {
		fprintf(stdout, "Will stop compositor %s.\n", units[0].Name)

		return nil
	}

	fprintf(stdout, "Stopping compositor %s...\n", units[0].Name)

	err = m.StopUnit(ctx, units[0].Name)
	if err != nil {
		return fmt.Errorf("stopping %s: %w", units[0].Name, err)
	}

	fprintln(stdout, "Compositor stopped.")

	return nil
}

func (a *app) removeUnits(ctx context.Context, m Systemd, stdout io.Writer, only string, dryRun bool) error {
	dir, err := session.UnitDirFor(a.env)
	if err != nil {
		return err
	}

	if dryRun {
		fprintf(stdout, "Will remove units marked %s=%s from %s.\n", session.UnitMarker, only, dir.Dir)

		return nil
	}

	removed, err := dir.Remove(only)
	if err != nil {
		return err
	}

	if len(removed) == 0 {
		fprintln(stdout, "No units to remove.")

		return nil
	}

	for _, path := range removed {
		fprintf(stdout, "Removed %s\n", path)
	}

	err = m.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reloading user manager: %w", err)
	}

	return nil
}

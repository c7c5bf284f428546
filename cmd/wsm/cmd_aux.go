package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/calvinalkan/wsm/lifecycle"
	"github.com/calvinalkan/wsm/session"
)

// AuxCmd creates the aux command group. Its subcommands are run by the
// generated units and by start.
func AuxCmd(a *app) *Command {
	flags := newFlags("aux")
	flags.SetInterspersed(false)

	subs := []*Command{
		PrepareEnvCmd(a),
		CleanupEnvCmd(a),
		WaitenvCmd(a),
		WaitpidCmd(a),
		BindSessionCmd(a),
		AuxExecCmd(a),
	}

	var long strings.Builder

	long.WriteString("Actions run by the generated units. Subcommands:\n\n")

	for _, sub := range subs {
		long.WriteString(sub.HelpLine())
		long.WriteString("\n")
	}

	return &Command{
		Flags: flags,
		Usage: "aux <command> [args]",
		Short: "Internal actions used by the session units",
		Long:  strings.TrimSuffix(long.String(), "\n"),
		Exec:  group("wsm aux", subs),
	}
}

// AuxExecCmd creates the aux exec command, the main process of the
// compositor unit.
func AuxExecCmd(a *app) *Command {
	flags := newFlags("exec")
	flags.SetInterspersed(false)

	return &Command{
		Flags: flags,
		Usage: "exec <compositor> [args]",
		Short: "Start the readiness watcher and exec the compositor",
		Long: "Spawn 'wsm aux waitenv --notify' and replace this process with the\n" +
			"compositor, so the compositor becomes the main process of its unit.",
		Exec: func(_ context.Context, _ io.Reader, _, stderr io.Writer, args []string) error {
			err := a.requireManager()
			if err != nil {
				return err
			}

			id, err := session.NewIdentity(session.IdentityInput{Cmdline: args})
			if err != nil {
				return err
			}

			cmd, err := lifecycle.Command(a.sys.Executable, []string{"aux", "waitenv", "--notify"})
			if err != nil {
				return fmt.Errorf("starting readiness watcher: %w", err)
			}

			cmd.Env = envMapToSlice(a.env)

			pid, err := a.sys.Spawn(cmd, stderr)
			if err != nil {
				return fmt.Errorf("starting readiness watcher: %w", err)
			}

			a.log.Info("starting compositor", "cmdline", id.Cmdline, "watcher", pid)

			return a.sys.Exec(id.ID, id.Args(), envMapToSlice(a.env))
		},
	}
}

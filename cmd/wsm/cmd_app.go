package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wsm/session"
	"github.com/calvinalkan/wsm/sysd"
)

var (
	// ErrInvalidSlice is returned for slice names app does not know.
	ErrInvalidSlice = errors.New("invalid slice")
	// ErrInvalidUnit is returned for unusable unit types and names.
	ErrInvalidUnit = errors.New("invalid unit")
)

// Unit names are limited to 255 bytes by systemd.
const maxUnitName = 255

var escapeSeqRE = regexp.MustCompile(`(\\x[0-9a-f]{2})`)

// AppCmd creates the app command.
func AppCmd(a *app) *Command {
	flags := newFlags("app")
	flags.SetInterspersed(false)
	flags.StringP("slice", "s", "a", "Slice: a (app), b (background), s (session) or a custom `name`.slice")
	flags.StringP("type", "t", "scope", "Unit `type`: scope or service")
	flags.StringP("app-name", "a", "", "Application `name` used in the unit name")
	flags.StringP("unit-name", "u", "", "Explicit unit `name`")
	flags.StringP("unit-description", "d", "", "Unit `description`")
	flags.BoolP("dry-run", "n", false, "Print the systemd-run command line instead of running it")

	return &Command{
		Flags: flags,
		Usage: "app [flags] <command> [args]",
		Short: "Run an application in a graphical session slice",
		Long: "Run a command as a transient scope or service in one of the graphical session\n" +
			"slices, named after the current desktop and the application.",
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			in := appInput{
				Cmdline:     args,
				Desktop:     a.env["XDG_CURRENT_DESKTOP"],
				Random:      strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
				Slice:       mustString(flags, "slice"),
				Type:        mustString(flags, "type"),
				AppName:     mustString(flags, "app-name"),
				Unit:        mustString(flags, "unit-name"),
				Description: mustString(flags, "unit-description"),
			}

			argv, err := appCommand(in)
			if err != nil {
				return err
			}

			dryRun, _ := flags.GetBool("dry-run")
			if dryRun {
				fprintln(stdout, strings.Join(argv, " "))

				return nil
			}

			_, err = exec.LookPath(args[0])
			if err != nil {
				return fmt.Errorf("command not found: %q", args[0])
			}

			return a.sys.Exec(argv[0], argv[1:], envMapToSlice(a.env))
		},
	}
}

func mustString(flags *flag.FlagSet, name string) string {
	v, _ := flags.GetString(name)

	return v
}

// appInput describes one app launch.
type appInput struct {
	Cmdline     []string
	Desktop     string
	Random      string
	Slice       string
	Type        string
	AppName     string
	Unit        string
	Description string
}

// appCommand returns the systemd-run command line for in.
func appCommand(in appInput) ([]string, error) {
	if len(in.Cmdline) == 0 || in.Cmdline[0] == "" {
		return nil, session.ErrNoCommand
	}

	if strings.HasSuffix(in.Cmdline[0], ".desktop") {
		return nil, fmt.Errorf("%w: %s", session.ErrDesktopEntry, in.Cmdline[0])
	}

	slice, err := appSlice(in.Slice)
	if err != nil {
		return nil, err
	}

	if in.Type != "scope" && in.Type != "service" {
		return nil, fmt.Errorf("%w type %q: use scope or service", ErrInvalidUnit, in.Type)
	}

	appName := in.AppName
	if appName == "" {
		appName = filepath.Base(in.Cmdline[0])
	}

	description := in.Description
	if description == "" {
		description = appName
	}

	unit := in.Unit
	if unit == "" {
		unit = appUnitName(in.Desktop, appName, in.Type, in.Random)
	} else if !strings.HasSuffix(unit, "."+in.Type) || len(unit) > maxUnitName {
		return nil, fmt.Errorf("%w name %q: must end in .%s and fit %d bytes", ErrInvalidUnit, unit, in.Type, maxUnitName)
	}

	argv := []string{"systemd-run", "--user"}

	if in.Type == "scope" {
		argv = append(argv, "--scope")
	} else {
		argv = append(argv, "--property=ExitType=cgroup")
	}

	argv = append(argv,
		"--slice="+slice,
		"--unit="+unit,
		"--description="+description,
		"--quiet",
		"--collect",
		"--same-dir",
		"--",
	)

	return append(argv, in.Cmdline...), nil
}

func appSlice(s string) (string, error) {
	switch s {
	case "a":
		return session.UnitAppSlice, nil
	case "b":
		return session.UnitBackground, nil
	case "s":
		return session.UnitSessionSlice, nil
	}

	if strings.HasSuffix(s, ".slice") && len(s) > len(".slice") {
		return s, nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidSlice, s)
}

// appUnitName builds app-<desktop>-<app>-<random>.scope, or
// app-<desktop>-<app>@<random>.service, trimming the escaped parts so the
// name fits systemd's limit.
func appUnitName(desktop, appName, unitType, random string) string {
	first, _, _ := strings.Cut(desktop, ":")
	if first == "" {
		first = session.Namespace
	}

	static := len("app---.") + len(random) + len(unitType)

	desktopPart := truncateEscaped(sysd.Escape(first), maxUnitName/2-static)
	appPart := truncateEscaped(sysd.Escape(appName), maxUnitName-static-len(desktopPart))

	sep := "-"
	if unitType == "service" {
		sep = "@"
	}

	return "app-" + desktopPart + "-" + appPart + sep + random + "." + unitType
}

// truncateEscaped cuts s to at most n bytes without splitting a \xNN
// sequence.
func truncateEscaped(s string, n int) string {
	if len(s) <= n {
		return s
	}

	if n <= 0 {
		return ""
	}

	var b strings.Builder

	for _, fragment := range splitEscaped(s) {
		if b.Len()+len(fragment) <= n {
			b.WriteString(fragment)

			continue
		}

		if !strings.HasPrefix(fragment, `\x`) {
			b.WriteString(fragment[:n-b.Len()])
		}

		break
	}

	return b.String()
}

// splitEscaped splits s into plain runs and \xNN sequences.
func splitEscaped(s string) []string {
	var out []string

	last := 0

	for _, loc := range escapeSeqRE.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out = append(out, s[last:loc[0]])
		}

		out = append(out, s[loc[0]:loc[1]])
		last = loc[1]
	}

	if last < len(s) {
		out = append(out, s[last:])
	}

	return out
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ErrSilentExit makes a command exit with code 1 without printing an error.
// Checks use it to report through the exit code only.
var ErrSilentExit = errors.New("silent exit")

// exitCode makes a command exit with the given code without printing
// anything. Command groups use it to pass on the code of a subcommand.
type exitCode int

func (e exitCode) Error() string {
	return "exit status " + strconv.Itoa(int(e))
}

// Command is a single wsm subcommand.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's line in the command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help of the command. prefix is the invocation
// leading up to the command, e.g. "wsm aux".
func (c *Command) PrintHelp(output io.Writer, prefix string) {
	fprintf(output, "Usage: %s %s\n", prefix, c.Usage)
	fprintln(output)

	if c.Long != "" {
		fprintln(output, c.Long)
	} else {
		fprintln(output, c.Short)
	}

	fprintln(output)
	fprintln(output, "Flags:")
	fprint(output, c.Flags.FlagUsages())
}

// Run parses args and executes the command. Returns the exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	return c.run(ctx, stdin, stdout, stderr, args, "wsm")
}

func (c *Command) run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, prefix string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.PrintHelp(stderr, prefix)

		return 1
	}

	help, _ := c.Flags.GetBool("help")
	if help {
		c.PrintHelp(stdout, prefix)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}

	if !errors.Is(err, ErrSilentExit) {
		fprintError(stderr, err)
	}

	return 1
}

// group returns the Exec of a command that dispatches to subcommands.
func group(prefix string, subs []*Command) func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	byName := make(map[string]*Command, len(subs))
	for _, sub := range subs {
		byName[sub.Name()] = sub
	}

	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
		if len(args) == 0 {
			printSubcommands(stderr, prefix, subs)

			return ErrSilentExit
		}

		sub, ok := byName[args[0]]
		if !ok {
			fprintError(stderr, fmt.Errorf("unknown command %q", prefix+" "+args[0]))
			fprintln(stderr)
			printSubcommands(stderr, prefix, subs)

			return ErrSilentExit
		}

		code := sub.run(ctx, stdin, stdout, stderr, args[1:], prefix)
		if code != 0 {
			return exitCode(code)
		}

		return nil
	}
}

func printSubcommands(output io.Writer, prefix string, subs []*Command) {
	fprintf(output, "Usage: %s <command> [args]\n", prefix)
	fprintln(output)
	fprintln(output, "Commands:")

	for _, sub := range subs {
		fprintln(output, sub.HelpLine())
	}
}

// newFlags returns a flag set with the help flag every command has.
func newFlags(name string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")

	return flags
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	return RunSystem(HostSystem(), stdin, stdout, stderr, args, env, sigCh)
}

// RunSystem is Run against an explicit System.
func RunSystem(sys *System, stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if bindsSession(args) && sys.IgnoreSignals != nil {
		sys.IgnoreSignals()
	}

	// Create fresh global flags for this invocation
	globalFlags := flag.NewFlagSet("wsm", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagVersion := globalFlags.BoolP("version", "v", false, "Show version and exit")
	flagConfig := globalFlags.String("config", "", "Use specified config `file`")
	flagDebug := globalFlags.Bool("debug", false, "Log debug messages and print plans")

	err := globalFlags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr)

		return 1
	}

	// Handle --version early, before loading config
	if *flagVersion {
		if commit == "none" && date == "unknown" {
			fprintf(stdout, "wsm %s (built from source)\n", version)
		} else {
			fprintf(stdout, "wsm %s (%s, %s)\n", version, commit, date)
		}

		return 0
	}

	commandAndArgs := globalFlags.Args()

	// Help never depends on a loadable config.
	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(stdout, newCommands(&app{sys: sys, env: env}))

		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := LoadConfig(LoadConfigInput{
		ConfigPath: *flagConfig,
		Env:        env,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	a := &app{
		sys: sys,
		cfg: cfg,
		env: env,
		log: NewCommandLogger(stderr, *flagDebug),
	}

	if *flagDebug {
		a.debug = NewDebugLogger(stderr)
	} else {
		a.debug = NewDebugLogger(nil)
	}

	a.debug.ConfigFiles(cfg.Files)

	commands := newCommands(a)

	commandMap := make(map[string]*Command, len(commands)*2)
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases {
			commandMap[alias] = cmd
		}
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintError(stderr, fmt.Errorf("unknown command %q", cmdName))
		fprintln(stderr)
		printGlobalOptions(stderr)

		return 1
	}

	// Run command in goroutine so we can handle signals
	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, commandAndArgs[1:])
	}()

	// Handle nil sigCh for tests
	if sigCh == nil {
		return <-done
	}

	// Wait for completion or first signal
	select {
	case exitCode := <-done:
		return exitCode
	case <-sigCh:
		fprintln(stderr, "Interrupted, waiting up to 10s for cleanup... (Ctrl+C again to force exit)")
		cancel()
	}

	// Wait for completion, timeout, or second signal
	select {
	case <-done:
		fprintln(stderr, "Cleanup complete.")

		return 130
	case <-time.After(10 * time.Second):
		fprintln(stderr, "Cleanup timed out, forced exit.")

		return 130
	case <-sigCh:
		fprintln(stderr, "Forced exit.")

		return 130
	}
}

// app is the state shared by all commands of one invocation.
type app struct {
	sys   *System
	cfg   Config
	env   map[string]string
	log   *slog.Logger
	debug *DebugLogger
}

func newCommands(a *app) []*Command {
	return []*Command{
		StartCmd(a),
		StopCmd(a),
		FinalizeCmd(a),
		CheckCmd(a),
		AppCmd(a),
		AuxCmd(a),
	}
}

func fprint(output io.Writer, a ...any) {
	_, _ = fmt.Fprint(output, a...)
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message with optional red coloring for TTY.
func fprintError(output io.Writer, err error) {
	if IsTerminal() {
		fprintln(output, colorRed+"error:"+colorReset, err)
	} else {
		fprintln(output, "error:", err)
	}
}

const globalOptionsHelp = `  -h, --help             Show help
  -v, --version          Show version and exit
      --config <file>    Use specified config file
      --debug            Log debug messages and print plans`

func printGlobalOptions(output io.Writer) {
	fprintln(output, "Usage: wsm [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Run 'wsm --help' for a list of commands.")
}

func printUsage(output io.Writer, commands []*Command) {
	fprintln(output, "wsm - Wayland session manager for systemd")
	fprintln(output)
	fprintln(output, "Usage: wsm [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, "Run 'wsm <command> --help' for more information on a command.")
}

// isTerminal is a function variable that returns true if stderr is a terminal.
// It can be overridden in tests to control TTY behavior.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// IsTerminal returns true if stderr is a terminal.
func IsTerminal() bool {
	return isTerminal()
}

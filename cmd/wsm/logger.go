package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates the structured logger of one invocation.
// When output is a terminal it uses slog.TextHandler for human-readable
// output. Otherwise (units logging to the journal, tests) it uses
// slog.JSONHandler. debug lowers the level to slog.LevelDebug.
//
// Commands scope the logger with With():
//
//	log := a.log.With("command", "aux prepare-env", "compositor", id.ID)
func NewCommandLogger(output io.Writer, debug bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		options.Level = slog.LevelDebug
	}

	var handler slog.Handler

	f, ok := output.(*os.File)
	if ok && term.IsTerminal(int(f.Fd())) {
		handler = slog.NewTextHandler(output, options)
	} else {
		handler = slog.NewJSONHandler(output, options)
	}

	return slog.New(handler)
}

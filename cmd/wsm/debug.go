package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/calvinalkan/wsm/session"
)

// DebugLogger prints human-readable listings of what a command is about to
// do. It is disabled when output is nil. Dry runs enable it on stdout.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger.
// If output is nil, the logger is disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (d *DebugLogger) Enabled() bool {
	return d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// Names outputs a labelled name list, "(none)" when empty.
func (d *DebugLogger) Names(label string, names []string) {
	if d.output == nil {
		return
	}

	if len(names) == 0 {
		_, _ = fmt.Fprintf(d.output, "  %s: (none)\n", label)

		return
	}

	_, _ = fmt.Fprintf(d.output, "  %s: %s\n", label, strings.Join(names, " "))
}

// Identity outputs the compositor identity.
func (d *DebugLogger) Identity(id session.Identity) {
	if d.output == nil {
		return
	}

	d.Section("Compositor")
	d.Bulletf("ID: %s", id.ID)
	d.Bulletf("Command line: %s", strings.Join(id.Cmdline, " "))
	d.Bulletf("Plugin/binary ID: %s", id.BinID)
	d.Bulletf("Desktop names: %s", strings.Join(id.DesktopNames, ":"))
	d.Bulletf("Name: %s", id.DisplayName())

	if id.Description != "" {
		d.Bulletf("Description: %s", id.Description)
	}
}

// Plan outputs the outcome of environment preparation.
func (d *DebugLogger) Plan(plan *session.Plan) {
	if d.output == nil {
		return
	}

	d.Section("Environment")

	for _, name := range plan.ExportNames() {
		d.Bulletf("export %s=%s", name, plan.Export[name])
	}

	for _, name := range plan.Unset.Sorted() {
		d.Bulletf("unset %s", name)
	}

	d.Names("cleanup", plan.Cleanup.Sorted())

	if plan.CleanupFile != "" {
		d.Logf("  cleanup list: %s", plan.CleanupFile)
	}
}

// ConfigFiles outputs the config files that were loaded.
func (d *DebugLogger) ConfigFiles(files []string) {
	if d.output == nil {
		return
	}

	d.Section("Config")

	if len(files) == 0 {
		d.Logf("  (defaults)")

		return
	}

	for _, f := range files {
		d.Bulletf("%s", f)
	}
}

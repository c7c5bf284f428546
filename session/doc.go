// Package session implements the environment reconciliation engine of a
// Wayland session running under the systemd user manager.
//
// # Lifecycle
//
// A session start runs [Preparer.Prepare] once, before the compositor is
// launched. It sources the shell profile (or reuses the saved start
// context), applies compositor quirks, loads the env-file hierarchy, and
// pushes the resulting difference to the activation environment [Store].
// Every variable it adds is written to a cleanup list.
//
// Once the compositor is up it calls [Finalize], which pushes
// WAYLAND_DISPLAY and other compositor-provided variables and signals
// readiness. Independently, [Waiter] watches the store until the required
// variables appear and records whatever else showed up meanwhile.
//
// On shutdown [Cleanup] unsets everything the cleanup lists name, plus the
// always-cleanup policy list, minus the never-cleanup list.
//
// # Determinism
//
// Sets are unordered; every place that produces ordered output sorts.
// Time is injected through internal/clock so the wait state machine can be
// tested without sleeping.
package session

import "log/slog"

var discardLogger = slog.New(slog.DiscardHandler)

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvinalkan/wsm/internal/clock"
)

// ErrNoMarker is returned by Finalize when WAYLAND_DISPLAY is not defined.
var ErrNoMarker = errors.New(MarkerVar + " is not defined")

// DefaultFinalizeGrace is how long Finalize polls the store for the marker
// when the caller does not carry it.
const DefaultFinalizeGrace = time.Second

// Finalizer pushes compositor-provided variables and signals readiness.
type Finalizer struct {
	Store    Store
	Cleanup  CleanupLists
	Policy   *Policy
	Notifier Notifier
	Clock    clock.Clock
	Grace    time.Duration
	Log      *slog.Logger
}

// FinalizeInput holds the per-call inputs.
type FinalizeInput struct {
	// Env is the caller's environment.
	Env map[string]string
	// Names are optional variables to push if defined.
	Names []string
	// Activating reports whether the compositor unit is still starting.
	// Readiness is only signalled then.
	Activating bool
}

// FinalizeResult describes what Finalize did.
type FinalizeResult struct {
	Exported    map[string]string
	CleanupFile string
	Notified    bool
}

// Finalize pushes the marker, DISPLAY if defined, and every name of
// in.Names that is defined in the caller's environment. Undefined names
// are skipped silently.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) (*FinalizeResult, error) {
	log := f.Log
	if log == nil {
		log = discardLogger
	}

	policy := f.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}

	marker, ok := in.Env[MarkerVar]
	if !ok || marker == "" {
		var err error

		marker, err = f.markerFromStore(ctx)
		if err != nil {
			return nil, err
		}
	}

	vars := map[string]string{MarkerVar: marker}

	if v, ok := in.Env["DISPLAY"]; ok {
		vars["DISPLAY"] = v
	}

	names := Normalize(in.Names, func(n string) {
		log.Warn("ignoring invalid variable name", "name", n)
	})

	for n := range names {
		if v, ok := in.Env[n]; ok {
			vars[n] = v
		}
	}

	pushed := make(Set, len(vars))
	for n := range vars {
		pushed.Add(n)
	}

	res := &FinalizeResult{Exported: vars}

	var err error

	res.CleanupFile, err = f.Cleanup.Write(PhaseFinalize, Subtract(pushed, policy.NeverCleanup))
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrCleanupList, err)
	}

	log.Info("exporting variables", "names", pushed.Sorted())

	err = Propagate(ctx, f.Store, vars, nil, log)
	if err != nil {
		return res, err
	}

	if !in.Activating {
		return res, nil
	}

	if f.Notifier != nil {
		err = f.Notifier.Notify("READY=1")
		if err != nil {
			return res, fmt.Errorf("signalling readiness: %w", err)
		}

		res.Notified = true
	}

	return res, nil
}

func (f *Finalizer) markerFromStore(ctx context.Context) (string, error) {
	clk := f.Clock
	if clk == nil {
		clk = clock.Real()
	}

	deadline := clk.After(orDefault(f.Grace, DefaultFinalizeGrace))
	ticker := clk.NewTicker(DefaultPollInterval)

	defer ticker.Stop()

	for {
		env, err := f.Store.Environment(ctx)
		if err == nil && env[MarkerVar] != "" {
			return env[MarkerVar], nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", ErrNoMarker
		case <-ticker.C:
		}
	}
}

package session

import (
	"context"
	"log/slog"
	"strings"
)

// Stage names a point in preparation where hooks run.
type Stage string

const (
	// StageQuirks runs after the session basics are set. Hooks may change
	// the working environment and extend the policy and the runtime lists.
	StageQuirks Stage = "quirks"
	// StageLoadEnv loads the environment files. Its default implementation
	// sources the env-file hierarchy; hooks may replace or wrap it.
	StageLoadEnv Stage = "load-env"
)

// Runtime variable lists consumed by finalize and the wait watchers. They
// travel in the environment so hooks can extend them.
const (
	FinalizeVarnamesVar = "WSM_FINALIZE_VARNAMES"
	WaitVarnamesVar     = "WSM_WAIT_VARNAMES"
)

// HookContext is the state a hook operates on. Env is the working
// environment and is mutated in place.
type HookContext struct {
	Ctx      context.Context
	Stage    Stage
	Identity Identity
	Env      Snapshot
	Policy   *Policy
	Log      *slog.Logger

	// LoadEnv is the default implementation of StageLoadEnv. Hooks of other
	// stages may call it too.
	LoadEnv func() error
}

// AddFinalizeVarnames appends names to WSM_FINALIZE_VARNAMES.
func (hc *HookContext) AddFinalizeVarnames(names ...string) {
	hc.appendList(FinalizeVarnamesVar, names)
}

// AddWaitVarnames appends names to WSM_WAIT_VARNAMES.
func (hc *HookContext) AddWaitVarnames(names ...string) {
	hc.appendList(WaitVarnamesVar, names)
}

func (hc *HookContext) appendList(variable string, names []string) {
	current := ParseNames(hc.Env[variable])
	seen := NewSet(current...)

	for _, n := range names {
		if !ValidName(n) {
			hc.logger().Warn("ignoring invalid variable name", "name", n, "list", variable)

			continue
		}

		if seen.Has(n) {
			continue
		}

		seen.Add(n)
		current = append(current, n)
	}

	hc.Env[variable] = strings.Join(current, " ")
}

func (hc *HookContext) logger() *slog.Logger {
	if hc.Log == nil {
		return discardLogger
	}

	return hc.Log
}

// Hook is a decorator around the rest of a stage. Calling next runs the
// remaining hooks and finally the stage's default implementation; not
// calling it overrides them.
type Hook func(hc *HookContext, next func() error) error

// Registry maps a binary ID to the hooks of each stage. Hooks registered
// later wrap the ones registered before them.
type Registry struct {
	hooks map[Stage]map[string][]namedHook
}

type namedHook struct {
	name string
	fn   Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Stage]map[string][]namedHook)}
}

// Register adds hook for binID at stage. name is used in log messages.
func (r *Registry) Register(stage Stage, binID, name string, hook Hook) {
	byID, ok := r.hooks[stage]
	if !ok {
		byID = make(map[string][]namedHook)
		r.hooks[stage] = byID
	}

	byID[binID] = append(byID[binID], namedHook{name: name, fn: hook})
}

// Names returns the names of the hooks registered for binID at stage,
// outermost first.
func (r *Registry) Names(stage Stage, binID string) []string {
	hooks := r.hooks[stage][binID]
	out := make([]string, 0, len(hooks))

	for i := len(hooks) - 1; i >= 0; i-- {
		out = append(out, hooks[i].name)
	}

	return out
}

// Run executes the hooks of stage for the identity in hc around base.
// A nil base is a no-op default.
func (r *Registry) Run(stage Stage, hc *HookContext, base func() error) error {
	if base == nil {
		base = func() error { return nil }
	}

	hc.Stage = stage
	if hc.Log == nil {
		hc.Log = discardLogger
	}

	hooks := r.hooks[stage][hc.Identity.BinID]

	call := base
	for _, h := range hooks {
		inner := call
		hook := h

		call = func() error {
			hc.Log.Debug("running hook", "stage", stage, "hook", hook.name)

			return hook.fn(hc, inner)
		}
	}

	return call()
}

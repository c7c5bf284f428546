package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
)

// ErrCleanupList is returned when the cleanup list of a preparation run
// cannot be persisted. Nothing is exported in that case.
var ErrCleanupList = errors.New("persisting cleanup list")

// Seat identifies the login session the compositor is started in.
type Seat struct {
	VT        int
	SessionID string
}

// Preparer computes and applies the environment of a new session.
type Preparer struct {
	Store Store
	// Profile sources the login profile chain. It is always a shell.
	Profile Sourcer
	// EnvFiles sources the env-file hierarchy.
	EnvFiles Sourcer
	Hooks    *Registry
	Policy   *Policy
	Cleanup  CleanupLists
	Log      *slog.Logger
	// UID is used for the XDG_RUNTIME_DIR default.
	UID int
}

// PrepareInput holds the per-run inputs.
type PrepareInput struct {
	Identity Identity
	// StartContext, when not nil, replaces profile sourcing.
	StartContext map[string]string
	// Seat, when not nil, sets XDG_VTNR and XDG_SESSION_ID.
	Seat *Seat
	// DryRun computes the plan without persisting or propagating it.
	DryRun bool
}

// Plan is the outcome of a preparation run.
type Plan struct {
	// S0 is the activation environment before the run.
	S0 Snapshot
	// S1 is the seeded working environment.
	S1 Snapshot
	// S2 is the final working environment.
	S2 Snapshot

	Export  map[string]string
	Unset   Set
	Cleanup Set

	// CleanupFile is the persisted cleanup list, "" on dry runs.
	CleanupFile string
	// Policy is the frozen policy used for the run.
	Policy *Policy
}

// Prepare runs the preparation algorithm. Its steps are strictly ordered
// since every diff depends on the snapshots taken before it.
func (p *Preparer) Prepare(ctx context.Context, in PrepareInput) (*Plan, error) {
	log := p.Log
	if log == nil {
		log = discardLogger
	}

	warn := func(name string) {
		log.Warn("ignoring invalid variable name", "name", name)
	}

	raw, err := p.Store.Environment(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading activation environment: %w", err)
	}

	plan := &Plan{S0: SnapshotOf(raw, warn)}

	work := plan.S0.Clone()

	if in.StartContext != nil {
		log.Info("using saved start context")
		maps.Copy(work, SnapshotOf(in.StartContext, warn))
	} else {
		work, err = p.Profile.Source(ctx, work, ProfileFiles(work["HOME"]))
		if err != nil {
			return nil, fmt.Errorf("sourcing profile: %w", err)
		}
	}

	plan.S1 = work.Clone()

	ApplyBasics(work, in.Identity, p.UID)

	if in.Seat != nil {
		work["XDG_VTNR"] = strconv.Itoa(in.Seat.VT)
		work["XDG_SESSION_ID"] = in.Seat.SessionID
	}

	hooks := p.Hooks
	if hooks == nil {
		hooks = NewRegistry()
	}

	policy := p.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}

	policy = policy.Clone()

	hc := &HookContext{Ctx: ctx, Identity: in.Identity, Env: work, Policy: policy, Log: log}
	hc.LoadEnv = func() error {
		sourced, err := p.EnvFiles.Source(ctx, hc.Env, EnvFiles(hc.Env, in.Identity.DesktopNames))
		if err != nil {
			return fmt.Errorf("loading environment files: %w", err)
		}

		clear(hc.Env)
		maps.Copy(hc.Env, sourced)

		return nil
	}

	err = hooks.Run(StageQuirks, hc, nil)
	if err != nil {
		return nil, fmt.Errorf("applying quirks: %w", err)
	}

	frozen := policy.Clone()
	plan.Policy = frozen

	hc.Policy = frozen.Clone()

	err = hooks.Run(StageLoadEnv, hc, hc.LoadEnv)
	if err != nil {
		return nil, err
	}

	work = hc.Env

	for n := range frozen.AlwaysUnset {
		delete(work, n)
	}

	delete(work, StartMarkVar)

	plan.S2 = SnapshotOf(work, warn)

	computePlan(plan, frozen, warn)

	if in.DryRun {
		return plan, nil
	}

	plan.CleanupFile, err = p.Cleanup.Write(PhasePrepare, plan.Cleanup)
	if err != nil {
		return plan, fmt.Errorf("%w: %w", ErrCleanupList, err)
	}

	log.Info("exporting variables", "names", plan.ExportNames())

	if len(plan.Unset) > 0 {
		log.Info("unsetting variables", "names", plan.Unset.Sorted())
	}

	err = Propagate(ctx, p.Store, plan.Export, plan.Unset.Sorted(), log)
	if err != nil {
		return plan, err
	}

	return plan, nil
}

// computePlan derives the export, unset and cleanup sets from the three
// snapshots of plan.
func computePlan(plan *Plan, policy *Policy, warn func(string)) {
	changed := Diff(plan.S0, plan.S2).Changed
	delta := Diff(plan.S1, plan.S2)

	exportNames := Subtract(
		Union(changed, Intersect(policy.AlwaysExport, plan.S2.Names())),
		policy.NeverExport,
	)
	exportNames = NormalizeSet(exportNames, warn)

	plan.Export = make(map[string]string, len(exportNames))

	for n := range exportNames {
		value := plan.S2[n]
		if old, ok := plan.S0[n]; ok && old == value {
			continue
		}

		plan.Export[n] = value
	}

	plan.Unset = Intersect(NormalizeSet(delta.Removed, warn), plan.S0.Names())

	exported := make(Set, len(plan.Export))
	for n := range plan.Export {
		exported.Add(n)
	}

	plan.Cleanup = policy.CleanupNames(Subtract(exported, plan.S0.Names()))
}

// ExportNames returns the exported names, sorted.
func (p *Plan) ExportNames() []string {
	s := make(Set, len(p.Export))
	for n := range p.Export {
		s.Add(n)
	}

	return s.Sorted()
}

package session_test

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/wsm/session"
)

// overlaySourcer stands in for the login profile chain.
type overlaySourcer struct {
	set map[string]string
}

func (s overlaySourcer) Source(_ context.Context, env session.Snapshot, _ []string) (session.Snapshot, error) {
	out := env.Clone()
	maps.Copy(out, s.set)

	return out, nil
}

type prepareFixture struct {
	root    string
	store   *session.MemoryStore
	lists   session.CleanupLists
	prep    *session.Preparer
	ident   session.Identity
	initial map[string]string
}

func newPrepareFixture(t *testing.T) *prepareFixture {
	t.Helper()

	root := t.TempDir()

	initial := map[string]string{
		"HOME":            filepath.Join(root, "home"),
		"XDG_CONFIG_HOME": filepath.Join(root, "config"),
		"XDG_CONFIG_DIRS": filepath.Join(root, "etc"),
		"XDG_RUNTIME_DIR": filepath.Join(root, "run"),
		"PATH":            "/usr/bin",
		"OLD":             "stale",
		"WAYLAND_DISPLAY": "wayland-9",
	}

	mustWriteFile(t, filepath.Join(root, "config", "wsm", "env"), "BAR=2\nunset OLD\nTEMP=x\nunset TEMP\n")
	mustWriteFile(t, filepath.Join(root, "config", "wsm", "env-sway"), "SSH_AUTH_SOCK=/tmp/agent\n")

	ident, err := session.NewIdentity(session.IdentityInput{Cmdline: []string{"sway", "--unsupported-gpu"}})
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	store := session.NewMemoryStore(initial)
	lists := session.CleanupLists{Dir: filepath.Join(root, "run", "wsm")}

	return &prepareFixture{
		root:  root,
		store: store,
		lists: lists,
		prep:  &session.Preparer{
			Store:    store,
			Profile:  overlaySourcer{set: map[string]string{"FOO": "1"}},
			EnvFiles: &session.DeclarativeSourcer{},
			Hooks:    session.NewRegistry(),
			Policy:   session.DefaultPolicy(),
			Cleanup:  lists,
			UID:      1000,
		},
		ident:   ident,
		initial: initial,
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustEnvironment(t *testing.T, store session.Store) map[string]string {
	t.Helper()

	env, err := store.Environment(t.Context())
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}

	return env
}

func Test_Prepare_Exports_Changed_Variables_When_Run_First_Time(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	wantExport := []string{
		"BAR",
		"FOO",
		"SSH_AUTH_SOCK",
		"XDG_CACHE_HOME",
		"XDG_CURRENT_DESKTOP",
		"XDG_DATA_DIRS",
		"XDG_DATA_HOME",
		"XDG_MENU_PREFIX",
		"XDG_SESSION_DESKTOP",
		"XDG_SESSION_TYPE",
	}

	if diff := cmp.Diff(wantExport, plan.ExportNames()); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"OLD", "WAYLAND_DISPLAY"}, plan.Unset.Sorted()); diff != "" {
		t.Fatalf("unset mismatch (-want +got):\n%s", diff)
	}

	env := mustEnvironment(t, f.store)

	if env["XDG_CURRENT_DESKTOP"] != "sway" || env["XDG_MENU_PREFIX"] != "sway-" || env["BAR"] != "2" {
		t.Fatalf("store not updated: %v", env)
	}

	if _, ok := env["OLD"]; ok {
		t.Fatalf("OLD still in store")
	}

	if env["FOO"] != "1" {
		t.Fatalf("FOO from the login profile not exported: %v", env)
	}
}

func Test_Prepare_Exports_Nothing_When_Run_Twice(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	_, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("first Prepare: %v", err)
	}

	before := mustEnvironment(t, f.store)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}

	if len(plan.Export) != 0 {
		t.Fatalf("expected empty export on re-run, got %v", plan.ExportNames())
	}

	if len(plan.Unset) != 0 {
		t.Fatalf("expected empty unset on re-run, got %v", plan.Unset.Sorted())
	}

	if diff := cmp.Diff(before, mustEnvironment(t, f.store)); diff != "" {
		t.Fatalf("store changed on re-run (-before +after):\n%s", diff)
	}
}

func Test_Prepare_Cleanup_Covers_New_Exports_When_Persisted(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	recorded, files, err := f.lists.ReadAll(nil)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(files) != 1 || files[0] != plan.CleanupFile {
		t.Fatalf("expected exactly the plan's cleanup file, got %v", files)
	}

	for n := range plan.Export {
		if _, existed := f.initial[n]; existed {
			continue
		}

		if n == "SSH_AUTH_SOCK" {
			if recorded.Has(n) {
				t.Fatalf("never-cleanup name %s recorded", n)
			}

			continue
		}

		if !recorded.Has(n) {
			t.Fatalf("exported new variable %s missing from cleanup list", n)
		}
	}

	if !recorded.Has(session.StartMarkVar) {
		t.Fatalf("always-cleanup name %s missing", session.StartMarkVar)
	}
}

func Test_Prepare_Never_Exports_Name_When_Env_File_Unsets_It(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident, DryRun: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	for _, n := range []string{"OLD", "TEMP", "WAYLAND_DISPLAY"} {
		if _, ok := plan.Export[n]; ok {
			t.Fatalf("%s is unset in S2 but exported", n)
		}
	}

	if plan.Unset.Has("TEMP") {
		t.Fatalf("TEMP was never in the store and must not be unset")
	}

	if plan.CleanupFile != "" {
		t.Fatalf("dry run wrote %s", plan.CleanupFile)
	}

	if diff := cmp.Diff(f.initial, mustEnvironment(t, f.store)); diff != "" {
		t.Fatalf("dry run changed the store (-want +got):\n%s", diff)
	}
}

func Test_Prepare_Applies_Quirks_And_Freezes_Policy_When_Hooks_Registered(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	f.prep.Hooks.Register(session.StageQuirks, "sway", "test", func(hc *session.HookContext, next func() error) error {
		hc.Env["QUIRK"] = "on"
		hc.Policy.NeverExport.Add("BAR")
		hc.AddFinalizeVarnames("SWAYSOCK", "bad name")

		return next()
	})

	var loadEnvPolicy *session.Policy

	f.prep.Hooks.Register(session.StageLoadEnv, "sway", "test", func(hc *session.HookContext, next func() error) error {
		loadEnvPolicy = hc.Policy
		hc.Policy.NeverExport.Add("QUIRK")

		return next()
	})

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident, DryRun: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, ok := plan.Export["BAR"]; ok {
		t.Fatalf("BAR added to never_export by quirks but exported")
	}

	if plan.Export["QUIRK"] != "on" {
		t.Fatalf("policy change from load-env must not reach the frozen policy, export=%v", plan.Export)
	}

	if loadEnvPolicy == plan.Policy {
		t.Fatalf("load-env hooks must see a copy of the frozen policy")
	}

	if got := plan.Export[session.FinalizeVarnamesVar]; got != "SWAYSOCK" {
		t.Fatalf("expected finalize list %q, got %q", "SWAYSOCK", got)
	}
}

func Test_Prepare_Uses_Start_Context_When_Given(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{
		Identity:     f.ident,
		StartContext: map[string]string{"FROM_START": "yes", session.StartMarkVar: "mark"},
		Seat:         &session.Seat{VT: 2, SessionID: "c3"},
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, ok := plan.S1["FOO"]; ok {
		t.Fatalf("profile must not be sourced when a start context is given")
	}

	if plan.S1["FROM_START"] != "yes" {
		t.Fatalf("start context not applied to S1")
	}

	if _, ok := plan.S2[session.StartMarkVar]; ok {
		t.Fatalf("%s must not survive preparation", session.StartMarkVar)
	}

	if plan.Export["XDG_VTNR"] != "2" || plan.Export["XDG_SESSION_ID"] != "c3" {
		t.Fatalf("seat not exported: %v", plan.Export)
	}
}

func Test_Prepare_Fails_Without_Propagating_When_Cleanup_List_Cannot_Be_Written(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	blocker := filepath.Join(f.root, "blocker")
	mustWriteFile(t, blocker, "")

	f.prep.Cleanup = session.CleanupLists{Dir: filepath.Join(blocker, "wsm")}

	_, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if !errors.Is(err, session.ErrCleanupList) {
		t.Fatalf("expected ErrCleanupList, got %v", err)
	}

	if diff := cmp.Diff(f.initial, mustEnvironment(t, f.store)); diff != "" {
		t.Fatalf("store changed after failed preparation (-want +got):\n%s", diff)
	}
}

func Test_Prepare_Exports_Login_Variables_When_Store_Lacks_Them(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{
		Identity:     f.ident,
		StartContext: map[string]string{
			"LANG":               "de_DE.UTF-8",
			"EDITOR":             "nvim",
			"MOZ_ENABLE_WAYLAND": "1",
		},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	env := mustEnvironment(t, f.store)

	for name, want := range map[string]string{"LANG": "de_DE.UTF-8", "EDITOR": "nvim", "MOZ_ENABLE_WAYLAND": "1"} {
		if plan.Export[name] != want {
			t.Fatalf("%s not in export plan: %v", name, plan.ExportNames())
		}

		if env[name] != want {
			t.Fatalf("store %s = %q, want %q", name, env[name], want)
		}
	}
}

func Test_Prepare_Unsets_Always_Exported_Name_When_Env_File_Removes_It(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)
	f.prep.Policy.AlwaysExport.Add("OLD")

	plan, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, ok := plan.Export["OLD"]; ok {
		t.Fatalf("OLD is unset in S2 but exported")
	}

	if !plan.Unset.Has("OLD") {
		t.Fatalf("OLD missing from unset, got %v", plan.Unset.Sorted())
	}

	if _, ok := mustEnvironment(t, f.store)["OLD"]; ok {
		t.Fatalf("OLD still in store")
	}
}

func Test_Cleanup_Lists_Cover_Every_New_Name_When_Prepared_And_Finalized(t *testing.T) {
	t.Parallel()

	f := newPrepareFixture(t)

	_, err := f.prep.Prepare(t.Context(), session.PrepareInput{Identity: f.ident})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	fin := &session.Finalizer{Store: f.store, Cleanup: f.lists, Notifier: &recordingNotifier{}}

	for _, in := range []session.FinalizeInput{
		{Env: map[string]string{"WAYLAND_DISPLAY": "wayland-1", "SWAYSOCK": "/run/sway.sock"}, Names: []string{"SWAYSOCK"}},
		{Env: map[string]string{"WAYLAND_DISPLAY": "wayland-1", "DISPLAY": ":1", "XCURSOR_SIZE": "24"}, Names: []string{"XCURSOR_SIZE"}},
	} {
		_, err = fin.Finalize(t.Context(), in)
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	recorded, files, err := f.lists.ReadAll(nil)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(files) != 3 {
		t.Fatalf("cleanup lists = %d, want 3", len(files))
	}

	never := session.DefaultPolicy().NeverCleanup

	for name := range mustEnvironment(t, f.store) {
		if _, existed := f.initial[name]; existed || never.Has(name) {
			continue
		}

		if !recorded.Has(name) {
			t.Errorf("imported name %s missing from cleanup lists %v", name, recorded.Sorted())
		}
	}
}

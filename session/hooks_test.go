package session_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/wsm/session"
)

func newHookContext(t *testing.T, binary string) *session.HookContext {
	t.Helper()

	id, err := session.NewIdentity(session.IdentityInput{Cmdline: []string{binary}})
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	return &session.HookContext{
		Ctx:      t.Context(),
		Identity: id,
		Env:      session.Snapshot{},
		Policy:   session.DefaultPolicy(),
	}
}

func Test_Registry_Runs_Later_Hooks_Outermost_When_Several_Registered(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()

	var order []string

	trace := func(name string) session.Hook {
		return func(_ *session.HookContext, next func() error) error {
			order = append(order, name+":in")
			err := next()
			order = append(order, name+":out")

			return err
		}
	}

	r.Register(session.StageLoadEnv, "sway", "first", trace("first"))
	r.Register(session.StageLoadEnv, "sway", "second", trace("second"))
	r.Register(session.StageLoadEnv, "hyprland", "other", trace("other"))

	hc := newHookContext(t, "sway")

	err := r.Run(session.StageLoadEnv, hc, func() error {
		order = append(order, "base")

		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"second:in", "first:in", "base", "first:out", "second:out"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"second", "first"}, r.Names(session.StageLoadEnv, "sway")); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func Test_Registry_Skips_Base_When_Hook_Overrides(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	r.Register(session.StageLoadEnv, "sway", "override", func(hc *session.HookContext, _ func() error) error {
		hc.Env["OVERRIDE"] = "1"

		return nil
	})

	hc := newHookContext(t, "sway")

	err := r.Run(session.StageLoadEnv, hc, func() error {
		return errors.New("base must not run")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if hc.Env["OVERRIDE"] != "1" {
		t.Fatalf("override hook did not run")
	}
}

func Test_BuiltinQuirks_Extend_Finalize_List_When_Compositor_Known(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	session.RegisterBuiltinQuirks(r)

	hc := newHookContext(t, "sway")
	hc.Env[session.FinalizeVarnamesVar] = "MINE SWAYSOCK"

	err := r.Run(session.StageQuirks, hc, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := hc.Env[session.FinalizeVarnamesVar]; got != "MINE SWAYSOCK I3SOCK XCURSOR_SIZE XCURSOR_THEME" {
		t.Fatalf("finalize list = %q", got)
	}
}

func Test_LuaPlugins_Register_Hooks_When_Functions_Defined(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	low := filepath.Join(dir, "low.lua")
	high := filepath.Join(dir, "high.lua")

	mustWriteFile(t, low, `
function quirks(wsm)
  wsm.setenv("LOW_QUIRK", WM_FIRST_DESKTOP_NAME)
  wsm.add_finalize("NIRI_SOCKET", "not valid")
  wsm.add_wait("NIRI_SOCKET")
  wsm.never_export("SECRET")
end

function load_env(wsm, next)
  wsm.setenv("ORDER", (wsm.getenv("ORDER") or "") .. "low>")
  next()
  wsm.setenv("ORDER", wsm.getenv("ORDER") .. "<low")
end
`)
	mustWriteFile(t, high, `
function load_env(wsm, next)
  wsm.setenv("ORDER", "high>")
  next()
  wsm.unsetenv("UNWANTED")
  wsm.setenv("ORDER", wsm.getenv("ORDER") .. "<high")
end
`)

	r := session.NewRegistry()
	hc := newHookContext(t, "niri")

	closePlugins, err := session.LoadLuaPlugins(r, hc.Identity, []string{low, high}, nil)
	if err != nil {
		t.Fatalf("LoadLuaPlugins: %v", err)
	}
	defer closePlugins()

	err = r.Run(session.StageQuirks, hc, nil)
	if err != nil {
		t.Fatalf("quirks: %v", err)
	}

	err = r.Run(session.StageLoadEnv, hc, func() error {
		hc.Env["ORDER"] += "base"
		hc.Env["UNWANTED"] = "1"

		return nil
	})
	if err != nil {
		t.Fatalf("load-env: %v", err)
	}

	want := session.Snapshot{
		"LOW_QUIRK":                 "niri",
		session.FinalizeVarnamesVar: "NIRI_SOCKET",
		session.WaitVarnamesVar:     "NIRI_SOCKET",
		"ORDER":                     "high>low>base<low<high",
	}

	if diff := cmp.Diff(want, hc.Env); diff != "" {
		t.Fatalf("environment mismatch (-want +got):\n%s", diff)
	}

	if !hc.Policy.NeverExport.Has("SECRET") {
		t.Fatalf("quirks must be able to extend the policy")
	}
}

func Test_LuaPlugins_Reject_Policy_Edits_When_Outside_Quirks(t *testing.T) {
	t.Parallel()

	plugin := filepath.Join(t.TempDir(), "p.lua")
	mustWriteFile(t, plugin, `
function load_env(wsm, next)
  wsm.always_export("LATE")
  next()
end
`)

	r := session.NewRegistry()
	hc := newHookContext(t, "sway")

	closePlugins, err := session.LoadLuaPlugins(r, hc.Identity, []string{plugin}, nil)
	if err != nil {
		t.Fatalf("LoadLuaPlugins: %v", err)
	}
	defer closePlugins()

	err = r.Run(session.StageLoadEnv, hc, nil)
	if err == nil || !strings.Contains(err.Error(), session.ErrPolicyFrozen.Error()) {
		t.Fatalf("expected frozen policy error, got %v", err)
	}

	if hc.Policy.AlwaysExport.Has("LATE") {
		t.Fatalf("policy was modified")
	}
}

func Test_LuaPlugins_Have_No_File_Access(t *testing.T) {
	t.Parallel()

	plugin := filepath.Join(t.TempDir(), "p.lua")
	mustWriteFile(t, plugin, `io.open("/etc/passwd")`)

	_, err := session.LoadLuaPlugins(session.NewRegistry(), session.Identity{BinID: "sway"}, []string{plugin}, nil)
	if err == nil {
		t.Fatalf("expected sandboxed plugin to fail")
	}
}

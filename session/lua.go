package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ErrPolicyFrozen is raised inside a plugin that edits the policy outside
// of the quirks stage.
var ErrPolicyFrozen = errors.New("policy lists can only be extended in quirks")

// LuaPlugin is a compositor plugin written in Lua. A plugin file may define
// the global functions
//
//	quirks(wsm)
//	load_env(wsm, next)
//
// which become hooks of StageQuirks and StageLoadEnv. The wsm table gives
// access to the working environment, the runtime lists and the policy.
type LuaPlugin struct {
	Path string
	L    *lua.LState
}

// LoadLuaPlugins loads each file in paths and registers its hooks for id.
// Paths are expected in increasing priority, so the last plugin ends up
// outermost. The returned function closes all states.
func LoadLuaPlugins(r *Registry, id Identity, paths []string, log *slog.Logger) (func(), error) {
	if log == nil {
		log = discardLogger
	}

	var plugins []*LuaPlugin

	closeAll := func() {
		for _, p := range plugins {
			p.L.Close()
		}
	}

	for _, path := range paths {
		p, err := loadLuaPlugin(path, id)
		if err != nil {
			closeAll()

			return func() {}, err
		}

		plugins = append(plugins, p)

		registered := false

		if fn, ok := p.L.GetGlobal("quirks").(*lua.LFunction); ok {
			r.Register(StageQuirks, id.BinID, path, p.hook(fn, false))
			registered = true
		}

		if fn, ok := p.L.GetGlobal("load_env").(*lua.LFunction); ok {
			r.Register(StageLoadEnv, id.BinID, path, p.hook(fn, true))
			registered = true
		}

		if !registered {
			log.Warn("plugin defines neither quirks nor load_env", "plugin", path)
		}

		log.Debug("loaded plugin", "plugin", path)
	}

	return closeAll, nil
}

func loadLuaPlugin(path string, id Identity) (*LuaPlugin, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugin %s: %w", path, err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("WM_ID", lua.LString(id.ID))
	L.SetGlobal("WM_BIN_ID", lua.LString(id.BinID))
	L.SetGlobal("WM_DESKTOP_NAMES", lua.LString(strings.Join(id.DesktopNames, ":")))
	L.SetGlobal("WM_FIRST_DESKTOP_NAME", lua.LString(id.FirstDesktopName()))

	fn, err := L.Load(strings.NewReader(string(source)), path)
	if err != nil {
		L.Close()

		return nil, fmt.Errorf("loading plugin %s: %w", path, err)
	}

	L.Push(fn)

	err = protect(func() error { return L.PCall(0, lua.MultRet, nil) })
	if err != nil {
		L.Close()

		return nil, fmt.Errorf("running plugin %s: %w", path, err)
	}

	return &LuaPlugin{Path: path, L: L}, nil
}

func (p *LuaPlugin) hook(fn *lua.LFunction, withNext bool) Hook {
	return func(hc *HookContext, next func() error) error {
		L := p.L

		if hc.Ctx != nil {
			L.SetContext(hc.Ctx)
			defer L.RemoveContext()
		}

		args := []lua.LValue{p.api(hc)}

		if withNext {
			args = append(args, L.NewFunction(func(L *lua.LState) int {
				err := next()
				if err != nil {
					L.RaiseError("%s", err.Error())
				}

				return 0
			}))
		}

		err := protect(func() error {
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
		})
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.Path, err)
		}

		if !withNext {
			return next()
		}

		return nil
	}
}

func (p *LuaPlugin) api(hc *HookContext) *lua.LTable {
	L := p.L
	t := L.NewTable()

	L.SetField(t, "getenv", L.NewFunction(func(L *lua.LState) int {
		v, ok := hc.Env[L.CheckString(1)]
		if !ok {
			L.Push(lua.LNil)

			return 1
		}

		L.Push(lua.LString(v))

		return 1
	}))

	L.SetField(t, "setenv", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !ValidName(name) {
			L.ArgError(1, "invalid variable name "+name)
		}

		hc.Env[name] = L.CheckString(2)

		return 0
	}))

	L.SetField(t, "unsetenv", L.NewFunction(func(L *lua.LState) int {
		delete(hc.Env, L.CheckString(1))

		return 0
	}))

	L.SetField(t, "add_finalize", L.NewFunction(func(L *lua.LState) int {
		hc.AddFinalizeVarnames(stringArgs(L)...)

		return 0
	}))

	L.SetField(t, "add_wait", L.NewFunction(func(L *lua.LState) int {
		hc.AddWaitVarnames(stringArgs(L)...)

		return 0
	}))

	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		hc.Log.Info(L.CheckString(1), "plugin", p.Path)

		return 0
	}))

	policyFn := func(target func(*Policy) Set) *lua.LFunction {
		return L.NewFunction(func(L *lua.LState) int {
			if hc.Stage != StageQuirks {
				L.RaiseError("%s", ErrPolicyFrozen.Error())
			}

			names := Normalize(stringArgs(L), func(n string) {
				hc.Log.Warn("ignoring invalid variable name", "name", n, "plugin", p.Path)
			})
			target(hc.Policy).Add(names.Sorted()...)

			return 0
		})
	}

	L.SetField(t, "always_export", policyFn(func(p *Policy) Set { return p.AlwaysExport }))
	L.SetField(t, "never_export", policyFn(func(p *Policy) Set { return p.NeverExport }))
	L.SetField(t, "always_unset", policyFn(func(p *Policy) Set { return p.AlwaysUnset }))
	L.SetField(t, "always_cleanup", policyFn(func(p *Policy) Set { return p.AlwaysCleanup }))
	L.SetField(t, "never_cleanup", policyFn(func(p *Policy) Set { return p.NeverCleanup }))

	return t
}

func stringArgs(L *lua.LState) []string {
	out := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		out = append(out, L.CheckString(i))
	}

	return out
}

// protect turns a Go panic raised while running Lua code into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	return fn()
}

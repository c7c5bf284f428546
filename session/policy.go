package session

// Policy holds the name lists that steer which variables are exported,
// withheld, unset and scrubbed. When a name sits on both an always and a
// never list, the never list wins.
type Policy struct {
	// AlwaysExport names are exported whenever defined and different from
	// the activation environment, even if preparation did not change them.
	AlwaysExport Set
	// NeverExport names are never exported.
	NeverExport Set
	// AlwaysUnset names are removed from the working environment before the
	// final capture, so stale values cannot leak into a new compositor.
	AlwaysUnset Set
	// AlwaysCleanup names are unset on shutdown even if nobody recorded them.
	AlwaysCleanup Set
	// NeverCleanup names are never unset on shutdown.
	NeverCleanup Set
}

// DefaultPolicy returns the built-in lists.
func DefaultPolicy() *Policy {
	return &Policy{
		AlwaysExport: NewSet(
			"XDG_SESSION_ID",
			"XDG_SESSION_TYPE",
			"XDG_VTNR",
			"XDG_CURRENT_DESKTOP",
			"XDG_SESSION_DESKTOP",
			"XDG_MENU_PREFIX",
			"PATH",
		),
		NeverExport: NewSet(
			"PWD",
			"LS_COLORS",
			"INVOCATION_ID",
			"SHLVL",
			"SHELL",
		),
		AlwaysUnset: NewSet(
			"DISPLAY",
			"WAYLAND_DISPLAY",
		),
		AlwaysCleanup: NewSet(
			"DISPLAY",
			"WAYLAND_DISPLAY",
			"XDG_SESSION_ID",
			"XDG_SESSION_TYPE",
			"XDG_VTNR",
			"XDG_CURRENT_DESKTOP",
			"XDG_SESSION_DESKTOP",
			"XDG_MENU_PREFIX",
			"PATH",
			"XCURSOR_THEME",
			"XCURSOR_SIZE",
			"LANG",
			StartMarkVar,
		),
		NeverCleanup: NewSet(
			"SSH_AGENT_LAUNCHER",
			"SSH_AUTH_SOCK",
			"SSH_AGENT_PID",
		),
	}
}

// PolicyLists is the serialized form of additional policy names, as read
// from the config file.
type PolicyLists struct {
	AlwaysExport  []string `json:"always_export,omitempty"`
	NeverExport   []string `json:"never_export,omitempty"`
	AlwaysUnset   []string `json:"always_unset,omitempty"`
	AlwaysCleanup []string `json:"always_cleanup,omitempty"`
	NeverCleanup  []string `json:"never_cleanup,omitempty"`
}

// Extend adds the names of l to p. Invalid names are passed to warn and
// skipped.
func (p *Policy) Extend(l PolicyLists, warn func(name string)) {
	p.AlwaysExport = Union(p.AlwaysExport, Normalize(l.AlwaysExport, warn))
	p.NeverExport = Union(p.NeverExport, Normalize(l.NeverExport, warn))
	p.AlwaysUnset = Union(p.AlwaysUnset, Normalize(l.AlwaysUnset, warn))
	p.AlwaysCleanup = Union(p.AlwaysCleanup, Normalize(l.AlwaysCleanup, warn))
	p.NeverCleanup = Union(p.NeverCleanup, Normalize(l.NeverCleanup, warn))
}

// Clone returns a deep copy. Preparation clones the policy after the quirk
// hooks ran so later stages see a frozen view.
func (p *Policy) Clone() *Policy {
	return &Policy{
		AlwaysExport:  p.AlwaysExport.Clone(),
		NeverExport:   p.NeverExport.Clone(),
		AlwaysUnset:   p.AlwaysUnset.Clone(),
		AlwaysCleanup: p.AlwaysCleanup.Clone(),
		NeverCleanup:  p.NeverCleanup.Clone(),
	}
}

// CleanupNames returns (names ∪ AlwaysCleanup) − NeverCleanup.
func (p *Policy) CleanupNames(names Set) Set {
	return Subtract(Union(names, p.AlwaysCleanup), p.NeverCleanup)
}

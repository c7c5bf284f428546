package session

// builtinFinalize lists the variables well-known compositors publish once
// they are up, keyed by binary ID.
var builtinFinalize = map[string][]string{
	"sway":     {"SWAYSOCK", "I3SOCK", "XCURSOR_SIZE", "XCURSOR_THEME"},
	"hyprland": {"HYPRLAND_INSTANCE_SIGNATURE", "HYPRLAND_CMD", "HYPRCURSOR_THEME", "HYPRCURSOR_SIZE", "XCURSOR_SIZE", "XCURSOR_THEME"},
	"labwc":    {"LABWC_PID"},
	"wayfire":  {"WAYFIRE_SOCKET"},
	"niri":     {"NIRI_SOCKET"},
}

// RegisterBuiltinQuirks registers the quirk hooks shipped with wsm.
func RegisterBuiltinQuirks(r *Registry) {
	for binID, names := range builtinFinalize {
		r.Register(StageQuirks, binID, "builtin:"+binID, func(hc *HookContext, next func() error) error {
			hc.Log.Info("applying quirks", "compositor", binID)
			hc.AddFinalizeVarnames(names...)

			return next()
		})
	}
}

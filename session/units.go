package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// UnitMarker tags every file wsm writes into the unit directory. Generic
// units carry UnitMarker=GENERIC, compositor drop-ins carry the ID.
const UnitMarker = "X-WSM-ID"

const unitHeader = "# injected by wsm, do not edit\n"

// Names of the generated units.
const (
	UnitSessionPre   = "wayland-session-pre@.target"
	UnitSession      = "wayland-session@.target"
	UnitAutostart    = "wayland-session-xdg-autostart@.target"
	UnitShutdown     = "wayland-session-shutdown.target"
	UnitEnv          = "wayland-wm-env@.service"
	UnitWM           = "wayland-wm@.service"
	UnitWaitenv      = "wayland-session-waitenv.service"
	UnitBindPID      = "wayland-session-bindpid@.service"
	UnitAppSlice     = "app-graphical.slice"
	UnitBackground   = "background-graphical.slice"
	UnitSessionSlice = "session-graphical.slice"
)

// Entry is one key=value line.
type Entry struct {
	Key   string
	Value string
}

// Section is an INI section of a unit file.
type Section struct {
	Name    string
	Entries []Entry
}

// Unit is a unit file or drop-in, relative to the unit directory.
type Unit struct {
	Path     string
	Marker   string
	Sections []Section
}

// Render returns the file contents.
func (u Unit) Render() string {
	var b strings.Builder

	b.WriteString(unitHeader)

	for i, s := range u.Sections {
		fmt.Fprintf(&b, "[%s]\n", s.Name)

		if i == 0 {
			fmt.Fprintf(&b, "%s=%s\n", UnitMarker, u.Marker)
		}

		for _, e := range s.Entries {
			fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
		}
	}

	return b.String()
}

// UnitOptions configure unit generation.
type UnitOptions struct {
	// Executable is the absolute path of the wsm binary.
	Executable string
	// Identity, when set, adds the compositor specific drop-ins.
	Identity *Identity
	// UseSessionSlice places the compositor in session.slice instead of
	// app.slice.
	UseSessionSlice bool
	// StartTimeout bounds compositor startup. It defaults to the wait
	// timeout plus settle time and a margin, since the compositor unit
	// embeds a wait watcher.
	StartTimeout time.Duration
	// WaitTimeout bounds the wait watchers.
	WaitTimeout time.Duration
	// SettleTime is the settle delay of the wait watchers.
	SettleTime time.Duration
}

// unitTimeoutMargin is added on top of the watcher budget so systemd does
// not kill a watcher before it times out by itself.
const unitTimeoutMargin = 5 * time.Second

func kv(k, v string) Entry { return Entry{Key: k, Value: v} }

// SessionUnits returns the unit graph of a session.
func SessionUnits(o UnitOptions) []Unit {
	slice := "app.slice"
	if o.UseSessionSlice {
		slice = "session.slice"
	}

	waitTimeout := orDefault(o.WaitTimeout, DefaultWaitTimeout) + max(o.SettleTime, 0) + unitTimeoutMargin

	startTimeout := o.StartTimeout
	if startTimeout <= 0 {
		startTimeout = waitTimeout
	}

	bin := execQuote(o.Executable)
	generic := "GENERIC"

	units := []Unit{
		{Path: UnitSessionPre, Marker: generic, Sections: []Section{{Name: "Unit", Entries: []Entry{
			kv("Description", "Preparation for session of %I Wayland compositor"),
			kv("Documentation", "man:systemd.special(7)"),
			kv("Requires", "basic.target"),
			kv("StopWhenUnneeded", "yes"),
			kv("BindsTo", "graphical-session-pre.target"),
			kv("Before", "graphical-session-pre.target"),
			kv("PropagatesStopTo", "graphical-session-pre.target"),
		}}}},
		{Path: UnitSession, Marker: generic, Sections: []Section{{Name: "Unit", Entries: []Entry{
			kv("Description", "Session of %I Wayland compositor"),
			kv("Documentation", "man:systemd.special(7)"),
			kv("Requires", "wayland-session-pre@%i.target graphical-session-pre.target "+UnitWaitenv),
			kv("After", "wayland-session-pre@%i.target graphical-session-pre.target "+UnitWaitenv),
			kv("StopWhenUnneeded", "yes"),
			kv("BindsTo", "graphical-session.target"),
			kv("Before", "graphical-session.target"),
			kv("PropagatesStopTo", "graphical-session.target"),
		}}}},
		{Path: UnitAutostart, Marker: generic, Sections: []Section{{Name: "Unit", Entries: []Entry{
			kv("Description", "XDG Autostart for session of %I Wayland compositor"),
			kv("Documentation", "man:systemd.special(7)"),
			kv("Requires", "wayland-session@%i.target graphical-session.target"),
			kv("After", "wayland-session@%i.target graphical-session.target"),
			kv("StopWhenUnneeded", "yes"),
			kv("BindsTo", "xdg-desktop-autostart.target"),
			kv("Before", "xdg-desktop-autostart.target"),
			kv("PropagatesStopTo", "xdg-desktop-autostart.target"),
		}}}},
		{Path: UnitShutdown, Marker: generic, Sections: []Section{{Name: "Unit", Entries: []Entry{
			kv("Description", "Shutdown graphical session units"),
			kv("Documentation", "man:systemd.special(7)"),
			kv("DefaultDependencies", "no"),
			kv("Conflicts", "app-graphical.slice background-graphical.slice session-graphical.slice"),
			kv("After", "app-graphical.slice background-graphical.slice session-graphical.slice"),
			kv("Conflicts", "xdg-desktop-autostart.target graphical-session.target graphical-session-pre.target"),
			kv("After", "xdg-desktop-autostart.target graphical-session.target graphical-session-pre.target"),
			kv("StopWhenUnneeded", "yes"),
		}}}},
		{Path: UnitEnv, Marker: generic, Sections: []Section{
			{Name: "Unit", Entries: []Entry{
				kv("Description", "Environment preloader for %I"),
				kv("Documentation", "man:systemd.service(7)"),
				kv("BindsTo", "wayland-session-pre@%i.target"),
				kv("Before", "wayland-session-pre@%i.target"),
				kv("StopWhenUnneeded", "yes"),
				kv("CollectMode", "inactive-or-failed"),
				kv("OnFailure", UnitShutdown),
				kv("OnSuccess", UnitShutdown),
			}},
			{Name: "Service", Entries: []Entry{
				kv("Type", "oneshot"),
				kv("RemainAfterExit", "yes"),
				kv("ExecStart", bin+` aux prepare-env "%I"`),
				kv("ExecStop", bin+" aux cleanup-env"),
				kv("Restart", "no"),
				kv("SyslogIdentifier", "wsm_env-preloader"),
				kv("Slice", slice),
			}},
		}},
		{Path: UnitWM, Marker: generic, Sections: []Section{
			{Name: "Unit", Entries: []Entry{
				kv("Description", "Main service for %I"),
				kv("Documentation", "man:systemd.service(7)"),
				kv("BindsTo", "wayland-session@%i.target"),
				kv("Before", "wayland-session@%i.target"),
				kv("Requires", "wayland-wm-env@%i.service graphical-session-pre.target"),
				kv("After", "wayland-wm-env@%i.service graphical-session-pre.target"),
				kv("Wants", "wayland-session-xdg-autostart@%i.target xdg-desktop-autostart.target"),
				kv("Before", "wayland-session-xdg-autostart@%i.target xdg-desktop-autostart.target app-graphical.slice background-graphical.slice session-graphical.slice"),
				kv("PropagatesStopTo", "app-graphical.slice background-graphical.slice session-graphical.slice"),
				kv("CollectMode", "inactive-or-failed"),
				kv("OnFailure", UnitShutdown),
				kv("OnSuccess", UnitShutdown),
			}},
			{Name: "Service", Entries: []Entry{
				kv("Type", "notify"),
				kv("NotifyAccess", "all"),
				kv("ExecStart", bin+` aux exec "%I"`),
				kv("Restart", "no"),
				kv("TimeoutStartSec", seconds(startTimeout)),
				kv("TimeoutStopSec", "10"),
				kv("SyslogIdentifier", "wsm_%I"),
				kv("Slice", slice),
			}},
		}},
		{Path: UnitWaitenv, Marker: generic, Sections: []Section{
			{Name: "Unit", Entries: []Entry{
				kv("Description", "Wait for the Wayland session environment"),
				kv("Documentation", "man:systemd.service(7)"),
				kv("PartOf", "graphical-session.target"),
				kv("After", "graphical-session-pre.target"),
				kv("Before", "graphical-session.target"),
				kv("CollectMode", "inactive-or-failed"),
			}},
			{Name: "Service", Entries: []Entry{
				kv("Type", "oneshot"),
				kv("RemainAfterExit", "yes"),
				kv("ExecStart", bin+" aux waitenv"),
				kv("Restart", "no"),
				kv("TimeoutStartSec", seconds(waitTimeout)),
				kv("SyslogIdentifier", "wsm_waitenv"),
				kv("Slice", slice),
			}},
		}},
		{Path: UnitBindPID, Marker: generic, Sections: []Section{
			{Name: "Unit", Entries: []Entry{
				kv("Description", "Bind graphical session to PID %i"),
				kv("Documentation", "man:systemd.service(7)"),
				kv("CollectMode", "inactive-or-failed"),
				kv("OnFailure", UnitShutdown),
				kv("OnSuccess", UnitShutdown),
			}},
			{Name: "Service", Entries: []Entry{
				kv("Type", "exec"),
				kv("ExecStart", bin+" aux waitpid %i"),
				kv("Restart", "no"),
				kv("SyslogIdentifier", "wsm_bindpid"),
				kv("Slice", slice),
			}},
		}},
		graphicalSlice(UnitAppSlice, "User Graphical Application Slice"),
		graphicalSlice(UnitBackground, "User Graphical Background Application Slice"),
		graphicalSlice(UnitSessionSlice, "User Graphical Session Application Slice"),
	}

	if o.Identity != nil {
		units = append(units, compositorDropIns(bin, *o.Identity)...)
	}

	return units
}

func graphicalSlice(name, description string) Unit {
	return Unit{Path: name, Marker: "GENERIC", Sections: []Section{{Name: "Unit", Entries: []Entry{
		kv("Description", description),
		kv("Documentation", "man:systemd.special(7)"),
		kv("PartOf", "graphical-session.target"),
		kv("After", "graphical-session.target"),
	}}}}
}

// CompositorDropIns returns the drop-in paths of id, relative to the unit
// directory.
func CompositorDropIns(id Identity) (env, wm string) {
	return "wayland-wm-env@" + id.UnitString() + ".service.d/50_custom.conf",
		"wayland-wm@" + id.UnitString() + ".service.d/50_custom.conf"
}

func compositorDropIns(bin string, id Identity) []Unit {
	envPath, wmPath := CompositorDropIns(id)

	envUnit := []Entry{kv("Description", "Environment preloader for "+id.DisplayName())}

	wmDesc := id.DisplayName()
	if id.Description != "" {
		wmDesc += ", " + id.Description
	}

	wmUnit := []Entry{kv("Description", "Main service for "+wmDesc)}

	var opts []string

	if !slices.Equal(id.DesktopNames, []string{filepath.Base(id.ID)}) {
		opts = append(opts, "-e", "-D", execQuote(strings.Join(id.DesktopNames, ":")))
	}

	if id.Name != "" {
		opts = append(opts, "-N", execQuote(id.Name))
	}

	if id.Description != "" {
		opts = append(opts, "-C", execQuote(id.Description))
	}

	args := make([]string, 0, len(id.Args()))
	for _, a := range id.Args() {
		args = append(args, execQuote(a))
	}

	prepare := strings.Join(slices.Concat([]string{bin, "aux", "prepare-env"}, opts, []string{`"%I"`}, args), " ")
	exec := strings.Join(slices.Concat([]string{bin, "aux", "exec", `"%I"`}, args), " ")

	return []Unit{
		{Path: envPath, Marker: id.ID, Sections: []Section{
			{Name: "Unit", Entries: envUnit},
			{Name: "Service", Entries: []Entry{kv("ExecStart", ""), kv("ExecStart", prepare)}},
		}},
		{Path: wmPath, Marker: id.ID, Sections: []Section{
			{Name: "Unit", Entries: wmUnit},
			{Name: "Service", Entries: []Entry{kv("ExecStart", ""), kv("ExecStart", exec)}},
		}},
	}
}

var plainWordRE = regexp.MustCompile(`^[A-Za-z0-9_@%$+=:,./-]+$`)

// execQuote quotes s as a single word of a unit command line. Specifier
// and variable characters are doubled so systemd passes them verbatim.
func execQuote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")

	if plainWordRE.MatchString(s) {
		return s
	}

	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)

	return `"` + s + `"`
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}

// UnitDir writes and removes generated units in a unit directory such as
// $XDG_RUNTIME_DIR/systemd/user.
type UnitDir struct {
	Dir string
}

// UnitDirFor returns the runtime unit directory for env.
func UnitDirFor(env map[string]string) (UnitDir, error) {
	dir := env["XDG_RUNTIME_DIR"]
	if dir == "" {
		return UnitDir{}, ErrNoRuntimeDir
	}

	return UnitDir{Dir: filepath.Join(dir, "systemd", "user")}, nil
}

// Update writes every unit whose content differs from the file on disk
// and reports whether anything changed.
func (d UnitDir) Update(units []Unit) (bool, error) {
	changed := false

	for _, u := range units {
		path := filepath.Join(d.Dir, u.Path)
		content := []byte(u.Render())

		old, err := os.ReadFile(path)
		if err == nil && string(old) == string(content) {
			continue
		}

		err = os.MkdirAll(filepath.Dir(path), 0o755)
		if err != nil {
			return changed, fmt.Errorf("creating unit dir: %w", err)
		}

		err = writeFileAtomic(path, content, 0o644)
		if err != nil {
			return changed, fmt.Errorf("writing unit %s: %w", u.Path, err)
		}

		changed = true
	}

	return changed, nil
}

// Remove deletes the unit files carrying the marker for only, or every
// generated file when only is empty. It returns the removed paths,
// relative to the unit directory.
func (d UnitDir) Remove(only string) ([]string, error) {
	want := UnitMarker + "=" + only

	var removed []string

	err := filepath.WalkDir(d.Dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		for line := range strings.Lines(string(data)) {
			line = strings.TrimSpace(line)
			if (only != "" && line == want) || (only == "" && strings.HasPrefix(line, want)) {
				removed = append(removed, path)

				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning unit dir: %w", err)
	}

	var errs []error

	rel := make([]string, 0, len(removed))

	for _, path := range removed {
		err := os.Remove(path)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if parent := filepath.Dir(path); strings.HasSuffix(parent, ".d") {
			_ = os.Remove(parent)
		}

		r, _ := filepath.Rel(d.Dir, path)
		rel = append(rel, r)
	}

	return rel, errors.Join(errs...)
}

package session

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Namespace is the directory name wsm uses below XDG base directories.
const Namespace = "wsm"

// ProfileFiles returns the POSIX login profile chain for home.
func ProfileFiles(home string) []string {
	files := []string{"/etc/profile"}
	if home != "" {
		files = append(files, filepath.Join(home, ".profile"))
	}

	return files
}

// ApplyBasics sets the XDG base directory defaults and the desktop
// variables derived from id. uid is used for the XDG_RUNTIME_DIR default.
func ApplyBasics(env Snapshot, id Identity, uid int) {
	home := env["HOME"]

	setDefault(env, "XDG_CONFIG_DIRS", "/etc/xdg")
	setDefault(env, "XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	setDefault(env, "XDG_DATA_DIRS", "/usr/local/share:/usr/share")
	setDefault(env, "XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	setDefault(env, "XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	setDefault(env, "XDG_RUNTIME_DIR", "/run/user/"+strconv.Itoa(uid))

	env["XDG_CURRENT_DESKTOP"] = strings.Join(id.DesktopNames, ":")
	env["XDG_SESSION_DESKTOP"] = id.FirstDesktopName()
	env["XDG_MENU_PREFIX"] = id.FirstDesktopName() + "-"
	env["XDG_SESSION_TYPE"] = "wayland"
}

func setDefault(env Snapshot, name, value string) {
	if env[name] == "" {
		env[name] = value
	}
}

// ConfigDirs returns XDG_CONFIG_HOME followed by XDG_CONFIG_DIRS, in
// decreasing priority.
func ConfigDirs(env Snapshot) []string {
	return splitDirs(env["XDG_CONFIG_HOME"] + ":" + env["XDG_CONFIG_DIRS"])
}

// DataDirs returns XDG_DATA_HOME followed by XDG_DATA_DIRS, in decreasing
// priority.
func DataDirs(env Snapshot) []string {
	return splitDirs(env["XDG_DATA_HOME"] + ":" + env["XDG_DATA_DIRS"])
}

func splitDirs(s string) []string {
	var out []string

	for _, d := range strings.Split(s, ":") {
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}

	return out
}

// EnvFiles returns the env-file hierarchy in sourcing order: config
// directories in increasing priority and, within each, the common file
// followed by one file per lowercased desktop name in declared order.
func EnvFiles(env Snapshot, desktopNames []string) []string {
	dirs := ConfigDirs(env)

	var files []string

	for i := len(dirs) - 1; i >= 0; i-- {
		base := filepath.Join(dirs[i], Namespace)
		files = append(files, filepath.Join(base, "env"))

		for _, name := range desktopNames {
			files = append(files, filepath.Join(base, "env-"+strings.ToLower(name)))
		}
	}

	return files
}

// PluginFiles returns existing Lua plugins for binID across the data
// directories, in increasing priority.
func PluginFiles(env Snapshot, binID string) []string {
	dirs := DataDirs(env)

	var files []string

	for i := len(dirs) - 1; i >= 0; i-- {
		p := filepath.Join(dirs[i], Namespace, "plugins", binID+".lua")

		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			files = append(files, p)
		}
	}

	return files
}

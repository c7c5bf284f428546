package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wsm/session"
	"github.com/calvinalkan/wsm/sysd"
)

const (
	stateActive     = "active"
	stateActivating = "activating"

	compositorUnitPattern = "wayland-wm@*.service"
)

var (
	// ErrCompositorRunning is returned when an operation needs the session
	// to be down.
	ErrCompositorRunning = errors.New("a compositor is running")
	// ErrNoCompositor is returned by finalize unless exactly one
	// compositor unit is active or activating.
	ErrNoCompositor = errors.New("expected exactly one running compositor unit")
	// ErrNotManager is returned when aux actions are not run by the user
	// manager.
	ErrNotManager = errors.New("aux actions can only be run by the systemd user manager")
)

func (a *app) connect(ctx context.Context) (Systemd, error) {
	m, err := a.sys.ConnectUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user manager: %w", err)
	}

	return m, nil
}

// activeCompositors lists compositor units that are active or activating.
func activeCompositors(ctx context.Context, m Systemd) ([]sysd.UnitStatus, error) {
	units, err := m.ListUnits(ctx, []string{stateActive, stateActivating}, []string{compositorUnitPattern})
	if err != nil {
		return nil, fmt.Errorf("listing compositor units: %w", err)
	}

	return units, nil
}

// policy returns the built-in policy extended by the config file.
func (a *app) policy() *session.Policy {
	p := session.DefaultPolicy()
	p.Extend(a.cfg.Policy, func(name string) {
		a.log.Warn("ignoring invalid variable name in config", "name", name)
	})

	return p
}

func (a *app) runtimeDir() (string, error) {
	return session.RuntimeDir(a.env)
}

func (a *app) cleanupLists() (session.CleanupLists, error) {
	dir, err := a.runtimeDir()
	if err != nil {
		return session.CleanupLists{}, err
	}

	return session.CleanupLists{Dir: dir}, nil
}

// requireManager fails unless the parent process is the user manager.
func (a *app) requireManager() error {
	managerPID, err := strconv.Atoi(a.env["MANAGERPID"])
	if err != nil || managerPID != a.sys.PPID {
		return ErrNotManager
	}

	return nil
}

// identityFlags are the flags describing a compositor.
type identityFlags struct {
	desktopNames *string
	exclusive    *bool
	name         *string
	description  *string
}

func addIdentityFlags(flags *flag.FlagSet) *identityFlags {
	return &identityFlags{
		desktopNames: flags.StringP("desktop-names", "D", "", "Colon separated desktop `names` for XDG_CURRENT_DESKTOP"),
		exclusive:    flags.BoolP("exclusive", "e", false, "Use only the names given with -D"),
		name:         flags.StringP("name", "N", "", "Compositor `name` for unit descriptions"),
		description:  flags.StringP("comment", "C", "", "Compositor `description` for unit descriptions"),
	}
}

func (f *identityFlags) identity(cmdline []string, inherited string) (session.Identity, error) {
	return session.NewIdentity(session.IdentityInput{
		Cmdline:      cmdline,
		DesktopNames: *f.desktopNames,
		Exclusive:    *f.exclusive,
		Inherited:    inherited,
		Name:         *f.name,
		Description:  *f.description,
	})
}

func compositorUnit(id session.Identity) string {
	return "wayland-wm@" + id.UnitString() + ".service"
}

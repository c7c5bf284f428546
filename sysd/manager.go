package sysd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest  = "org.freedesktop.systemd1"
	systemdPath  = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface = "org.freedesktop.systemd1.Manager"
	unitIface    = "org.freedesktop.systemd1.Unit"
	serviceIface = "org.freedesktop.systemd1.Service"

	busDest  = "org.freedesktop.DBus"
	busPath  = dbus.ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
)

// ErrJobFailed is returned when a start or stop job does not finish with
// result "done".
var ErrJobFailed = errors.New("systemd job failed")

// ObjectFunc resolves a D-Bus object. It matches (*dbus.Conn).Object.
type ObjectFunc func(dest string, path dbus.ObjectPath) dbus.BusObject

// UnitStatus is one entry of ListUnitsByPatterns.
type UnitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	Followed    string
	Path        dbus.ObjectPath
	JobID       uint32
	JobType     string
	JobPath     dbus.ObjectPath
}

// Manager is a client of the systemd user manager.
type Manager struct {
	conn   *dbus.Conn
	object ObjectFunc

	sharedOnce sync.Once
	shared     bool
}

// ConnectUser connects to the session bus of the calling user.
func ConnectUser(ctx context.Context) (*Manager, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}

	return &Manager{conn: conn, object: conn.Object}, nil
}

// NewManager returns a Manager resolving objects through object. Jobs are
// not awaited since there is no connection to receive signals on.
func NewManager(object ObjectFunc) *Manager {
	return &Manager{object: object}
}

// Close closes the bus connection, if any.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}

	return m.conn.Close()
}

func (m *Manager) systemd() dbus.BusObject {
	return m.object(systemdDest, systemdPath)
}

func (m *Manager) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant

	err := m.object(systemdDest, path).CallWithContext(ctx, propertiesGet, 0, iface, name).Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("reading %s.%s: %w", iface, name, err)
	}

	return v, nil
}

// Environment returns the activation environment of the manager.
func (m *Manager) Environment(ctx context.Context) (map[string]string, error) {
	v, err := m.property(ctx, systemdPath, managerIface, "Environment")
	if err != nil {
		return nil, err
	}

	entries, ok := v.Value().([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected Environment type %s", v.Signature())
	}

	return ParseEnvironment(entries), nil
}

// ParseEnvironment converts KEY=VALUE entries to a map. Entries without
// '=' are skipped.
func ParseEnvironment(entries []string) map[string]string {
	out := make(map[string]string, len(entries))

	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if ok {
			out[k] = v
		}
	}

	return out
}

// SetEnvironment sets vars in the activation environment.
func (m *Manager) SetEnvironment(ctx context.Context, vars map[string]string) error {
	assignments := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		assignments = append(assignments, k+"="+vars[k])
	}

	err := m.systemd().CallWithContext(ctx, managerIface+".SetEnvironment", 0, assignments).Err
	if err != nil {
		return fmt.Errorf("SetEnvironment: %w", err)
	}

	return nil
}

// UnsetEnvironment removes names from the activation environment.
func (m *Manager) UnsetEnvironment(ctx context.Context, names []string) error {
	err := m.systemd().CallWithContext(ctx, managerIface+".UnsetEnvironment", 0, names).Err
	if err != nil {
		return fmt.Errorf("UnsetEnvironment: %w", err)
	}

	return nil
}

// UpdateActivationEnvironment sets vars in the activation environment of
// the bus daemon. The reference daemon cannot remove variables, so an
// unset is expressed as an empty value.
func (m *Manager) UpdateActivationEnvironment(ctx context.Context, vars map[string]string) error {
	err := m.object(busDest, busPath).CallWithContext(ctx, busIface+".UpdateActivationEnvironment", 0, vars).Err
	if err != nil {
		return fmt.Errorf("UpdateActivationEnvironment: %w", err)
	}

	return nil
}

// NativeShared reports whether the bus daemon shares the activation
// environment of the manager, which is the case for dbus-broker. The
// answer is cached; lookup failures count as not shared.
func (m *Manager) NativeShared(ctx context.Context) bool {
	m.sharedOnce.Do(func() {
		path, err := m.LoadUnit(ctx, "dbus.service")
		if err != nil {
			return
		}

		v, err := m.property(ctx, path, unitIface, "Id")
		if err != nil {
			return
		}

		id, _ := v.Value().(string)
		m.shared = id == "dbus-broker.service"
	})

	return m.shared
}

// LoadUnit returns the object path of unit, loading it if necessary.
func (m *Manager) LoadUnit(ctx context.Context, unit string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath

	err := m.systemd().CallWithContext(ctx, managerIface+".LoadUnit", 0, unit).Store(&path)
	if err != nil {
		return "", fmt.Errorf("LoadUnit %s: %w", unit, err)
	}

	return path, nil
}

// ActiveState returns the ActiveState of unit.
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	path, err := m.LoadUnit(ctx, unit)
	if err != nil {
		return "", err
	}

	v, err := m.property(ctx, path, unitIface, "ActiveState")
	if err != nil {
		return "", err
	}

	state, _ := v.Value().(string)

	return state, nil
}

// MainPID returns the main process of a service, 0 if there is none.
func (m *Manager) MainPID(ctx context.Context, unit string) (int, error) {
	path, err := m.LoadUnit(ctx, unit)
	if err != nil {
		return 0, err
	}

	v, err := m.property(ctx, path, serviceIface, "MainPID")
	if err != nil {
		return 0, err
	}

	pid, _ := v.Value().(uint32)

	return int(pid), nil
}

// ListUnits returns loaded units in one of states matching one of
// patterns. Empty filters match everything.
func (m *Manager) ListUnits(ctx context.Context, states, patterns []string) ([]UnitStatus, error) {
	if states == nil {
		states = []string{}
	}

	if patterns == nil {
		patterns = []string{}
	}

	var units []UnitStatus

	err := m.systemd().CallWithContext(ctx, managerIface+".ListUnitsByPatterns", 0, states, patterns).Store(&units)
	if err != nil {
		return nil, fmt.Errorf("ListUnitsByPatterns: %w", err)
	}

	return units, nil
}

// Reload makes the manager re-read unit files. The call returns once the
// reload finished.
func (m *Manager) Reload(ctx context.Context) error {
	err := m.systemd().CallWithContext(ctx, managerIface+".Reload", 0).Err
	if err != nil {
		return fmt.Errorf("reloading units: %w", err)
	}

	return nil
}

// StartUnit starts unit and waits for the job to finish.
func (m *Manager) StartUnit(ctx context.Context, unit string) error {
	return m.runJob(ctx, "StartUnit", unit)
}

// StopUnit stops unit and waits for the job to finish.
func (m *Manager) StopUnit(ctx context.Context, unit string) error {
	return m.runJob(ctx, "StopUnit", unit)
}

func (m *Manager) runJob(ctx context.Context, method, unit string) error {
	var signals chan *dbus.Signal

	if m.conn != nil {
		err := m.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(systemdPath),
			dbus.WithMatchInterface(managerIface),
			dbus.WithMatchMember("JobRemoved"),
		)
		if err != nil {
			return fmt.Errorf("subscribing to job signals: %w", err)
		}

		signals = make(chan *dbus.Signal, 16)
		m.conn.Signal(signals)

		defer m.conn.RemoveSignal(signals)

		err = m.systemd().CallWithContext(ctx, managerIface+".Subscribe", 0).Err
		if err != nil {
			return fmt.Errorf("subscribing to manager: %w", err)
		}
	}

	var job dbus.ObjectPath

	err := m.systemd().CallWithContext(ctx, managerIface+"."+method, 0, unit, "replace").Store(&job)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, unit, err)
	}

	if signals == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			if sig.Name != managerIface+".JobRemoved" || len(sig.Body) != 4 {
				continue
			}

			if path, _ := sig.Body[1].(dbus.ObjectPath); path != job {
				continue
			}

			result, _ := sig.Body[3].(string)
			if result != "done" {
				return fmt.Errorf("%w: %s %s: %s", ErrJobFailed, method, unit, result)
			}

			return nil
		}
	}
}

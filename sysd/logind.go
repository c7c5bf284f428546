package sysd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest    = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
	logindIface   = "org.freedesktop.login1.Manager"
	sessionIface  = "org.freedesktop.login1.Session"
	activeTTYFile = "/sys/class/tty/tty0/active"
)

var (
	// ErrNoSession is returned when no login session of the user runs on
	// the requested VT.
	ErrNoSession = errors.New("no login session on VT")
	// ErrNoVT is returned when the foreground VT cannot be determined.
	ErrNoVT = errors.New("cannot determine foreground VT")
)

// LoginSession is one entry of ListSessions.
type LoginSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// Logind is a client of the login manager on the system bus.
type Logind struct {
	conn   *dbus.Conn
	object ObjectFunc
}

// ConnectLogind connects to the system bus.
func ConnectLogind(ctx context.Context) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	return &Logind{conn: conn, object: conn.Object}, nil
}

// NewLogind returns a Logind resolving objects through object.
func NewLogind(object ObjectFunc) *Logind {
	return &Logind{object: object}
}

// Close closes the bus connection, if any.
func (l *Logind) Close() error {
	if l.conn == nil {
		return nil
	}

	return l.conn.Close()
}

// SessionByVT returns the ID of the session of uid running on vt.
func (l *Logind) SessionByVT(ctx context.Context, uid uint32, vt int) (string, error) {
	var sessions []LoginSession

	err := l.object(logindDest, logindPath).CallWithContext(ctx, logindIface+".ListSessions", 0).Store(&sessions)
	if err != nil {
		return "", fmt.Errorf("ListSessions: %w", err)
	}

	for _, s := range sessions {
		if s.UID != uid {
			continue
		}

		var v dbus.Variant

		err := l.object(logindDest, s.Path).CallWithContext(ctx, propertiesGet, 0, sessionIface, "VTNr").Store(&v)
		if err != nil {
			continue
		}

		if nr, _ := v.Value().(uint32); int(nr) == vt {
			return s.ID, nil
		}
	}

	return "", fmt.Errorf("%w %d", ErrNoSession, vt)
}

// SystemUnitActive reports whether a system unit is active or activating,
// for example graphical.target.
func (l *Logind) SystemUnitActive(ctx context.Context, unit string) (bool, error) {
	state, err := NewManager(l.object).ActiveState(ctx, unit)
	if err != nil {
		return false, err
	}

	return state == "active" || state == "activating", nil
}

// ForegroundVT returns the number of the active VT. path defaults to the
// sysfs attribute of tty0.
func ForegroundVT(path string) (int, error) {
	if path == "" {
		path = activeTTYFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoVT, err)
	}

	return ParseVT(string(data))
}

// ParseVT parses a tty name such as "tty2".
func ParseVT(s string) (int, error) {
	num, ok := strings.CutPrefix(strings.TrimSpace(s), "tty")
	if !ok {
		return 0, fmt.Errorf("%w: unexpected tty %q", ErrNoVT, s)
	}

	vt, err := strconv.Atoi(num)
	if err != nil || vt < 1 {
		return 0, fmt.Errorf("%w: unexpected tty %q", ErrNoVT, s)
	}

	return vt, nil
}

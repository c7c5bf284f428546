package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/calvinalkan/wsm/sysd"
)

var (
	// ErrNoCommand is returned when the compositor command line is empty.
	ErrNoCommand = errors.New("no compositor command given")
	// ErrDesktopEntry is returned for IDs naming a desktop entry, which are
	// not supported.
	ErrDesktopEntry = errors.New("desktop entries are not supported, pass the compositor executable")
	// ErrDesktopNames is returned for malformed desktop names.
	ErrDesktopNames = errors.New("malformed desktop names")
)

var (
	desktopNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	binIDRE       = regexp.MustCompile(`(^[^A-Za-z]|[^A-Za-z0-9_])+`)
)

// Identity describes the compositor a session is started for.
type Identity struct {
	// ID is the compositor executable as given on the command line.
	ID string
	// Cmdline is the full compositor command line, ID first.
	Cmdline []string
	// BinID is the lowercase identifier hooks and plugins are keyed by.
	BinID string
	// DesktopNames is the ordered XDG_CURRENT_DESKTOP list.
	DesktopNames []string
	// Name and Description end up in unit descriptions.
	Name        string
	Description string
}

// IdentityInput are the user supplied parts of an Identity.
type IdentityInput struct {
	Cmdline []string
	// DesktopNames is a colon separated list.
	DesktopNames string
	// Exclusive uses DesktopNames alone instead of extending the defaults.
	Exclusive bool
	// Inherited is a colon separated list placed in front of the defaults,
	// typically XDG_CURRENT_DESKTOP set by a display manager.
	Inherited   string
	Name        string
	Description string
}

// NewIdentity validates in and derives the identity.
func NewIdentity(in IdentityInput) (Identity, error) {
	if len(in.Cmdline) == 0 || strings.TrimSpace(in.Cmdline[0]) == "" {
		return Identity{}, ErrNoCommand
	}

	id := in.Cmdline[0]
	if strings.HasSuffix(id, ".desktop") || strings.Contains(id, ".desktop:") {
		return Identity{}, fmt.Errorf("%w: %s", ErrDesktopEntry, id)
	}

	base := filepath.Base(id)

	cli, err := splitDesktopNames(in.DesktopNames)
	if err != nil {
		return Identity{}, err
	}

	var names []string

	if in.Exclusive {
		if len(cli) == 0 {
			return Identity{}, fmt.Errorf("%w: exclusive desktop names requested but none given", ErrDesktopNames)
		}

		names = cli
	} else {
		inherited, err := splitDesktopNames(in.Inherited)
		if err != nil {
			inherited = nil
		}

		names = append(names, inherited...)
		names = append(names, base)
		names = append(names, cli...)
	}

	return Identity{
		ID:           id,
		Cmdline:      append([]string(nil), in.Cmdline...),
		BinID:        BinID(base),
		DesktopNames: dedupe(names),
		Name:         in.Name,
		Description:  in.Description,
	}, nil
}

// BinID converts an executable name to the identifier hooks are keyed by.
func BinID(executable string) string {
	return strings.ToLower(binIDRE.ReplaceAllString(executable, "_"))
}

// FirstDesktopName returns the leading desktop name or "".
func (id Identity) FirstDesktopName() string {
	if len(id.DesktopNames) == 0 {
		return ""
	}

	return id.DesktopNames[0]
}

// UnitString is the escaped unit instance name for the compositor.
func (id Identity) UnitString() string {
	return sysd.Escape(id.ID)
}

// Args returns the compositor arguments without the executable.
func (id Identity) Args() []string {
	if len(id.Cmdline) < 2 {
		return nil
	}

	return id.Cmdline[1:]
}

// DisplayName is Name, falling back to the executable.
func (id Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}

	return id.ID
}

func splitDesktopNames(s string) ([]string, error) {
	var out []string

	for _, n := range strings.Split(s, ":") {
		if n == "" {
			continue
		}

		if !desktopNameRE.MatchString(n) {
			return nil, fmt.Errorf("%w: %q", ErrDesktopNames, s)
		}

		out = append(out, n)
	}

	return out, nil
}

func dedupe(names []string) []string {
	seen := make(Set, len(names))
	out := make([]string, 0, len(names))

	for _, n := range names {
		if seen.Has(n) {
			continue
		}

		seen.Add(n)
		out = append(out, n)
	}

	return out
}

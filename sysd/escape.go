package sysd

import (
	"fmt"
	"strings"
)

// Escape escapes s for use as a unit instance name, following the rules
// of systemd-escape: '/' becomes '-', a leading '.' and every byte outside
// [A-Za-z0-9:_.] becomes a C-style \xNN sequence.
func Escape(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c == '.' && i == 0:
			fmt.Fprintf(&b, `\x%02x`, c)
		case c == '/':
			b.WriteByte('-')
		case c == '.' || c == '_' || c == ':',
			c >= '0' && c <= '9',
			c >= 'A' && c <= 'Z',
			c >= 'a' && c <= 'z':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}

	return b.String()
}

// UnitInstance returns the instance part of a templated unit name such as
// "wayland-wm@sway.service", or "" if name is not an instance.
func UnitInstance(name string) string {
	_, rest, ok := strings.Cut(name, "@")
	if !ok {
		return ""
	}

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return rest
	}

	return rest[:dot]
}

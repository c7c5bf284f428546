package session

import (
	"regexp"
	"slices"
	"strings"
)

// varNameRE matches names that can be exported from a POSIX shell. A lone
// underscore is the shell's last-argument variable and is rejected.
var varNameRE = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]+|[A-Za-z][A-Za-z0-9_]*)$`)

// ValidName reports whether name is an acceptable variable name.
func ValidName(name string) bool {
	return varNameRE.MatchString(name)
}

// Set is a set of variable names.
type Set map[string]struct{}

// NewSet returns a set holding names. Names are taken verbatim.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}

	return s
}

// Has reports whether name is in s.
func (s Set) Has(name string) bool {
	_, ok := s[name]

	return ok
}

// Add inserts names into s.
func (s Set) Add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}

	slices.Sort(out)

	return out
}

// Lines renders the set one name per line, sorted, with a trailing newline.
func (s Set) Lines() string {
	if len(s) == 0 {
		return ""
	}

	return strings.Join(s.Sorted(), "\n") + "\n"
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for n := range s {
		out[n] = struct{}{}
	}

	return out
}

// Union returns a new set holding every name of every input.
func Union(sets ...Set) Set {
	out := make(Set)
	for _, s := range sets {
		for n := range s {
			out[n] = struct{}{}
		}
	}

	return out
}

// Subtract returns the names of a that are not in b.
func Subtract(a, b Set) Set {
	out := make(Set, len(a))
	for n := range a {
		if !b.Has(n) {
			out[n] = struct{}{}
		}
	}

	return out
}

// Intersect returns the names present in both a and b.
func Intersect(a, b Set) Set {
	out := make(Set)
	for n := range a {
		if b.Has(n) {
			out[n] = struct{}{}
		}
	}

	return out
}

// Normalize trims names, drops empty entries and drops names that are not
// valid variable names. warn, if not nil, is called once per dropped name.
func Normalize(names []string, warn func(name string)) Set {
	out := make(Set, len(names))

	for _, raw := range names {
		n := strings.TrimSpace(raw)
		if n == "" {
			continue
		}

		if !ValidName(n) {
			if warn != nil {
				warn(n)
			}

			continue
		}

		out[n] = struct{}{}
	}

	return out
}

// NormalizeSet is Normalize over an existing set.
func NormalizeSet(s Set, warn func(name string)) Set {
	return Normalize(s.Sorted(), warn)
}

// ParseNames splits whitespace separated text (spaces, tabs or newlines)
// into names. Validation is left to Normalize.
func ParseNames(text string) []string {
	return strings.Fields(text)
}

package session

import "strings"

// Snapshot is the name to value mapping of an environment at one point in
// time. Only valid names are ever stored.
type Snapshot map[string]string

// Capture builds a snapshot from KEY=VALUE entries as returned by
// os.Environ. Entries without '=' and entries with invalid names are skipped;
// warn is called for the latter.
func Capture(environ []string, warn func(name string)) Snapshot {
	s := make(Snapshot, len(environ))

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		if !ValidName(name) {
			if warn != nil {
				warn(name)
			}

			continue
		}

		s[name] = value
	}

	return s
}

// SnapshotOf copies env into a snapshot, skipping invalid names.
func SnapshotOf(env map[string]string, warn func(name string)) Snapshot {
	s := make(Snapshot, len(env))

	for name, value := range env {
		if !ValidName(name) {
			if warn != nil {
				warn(name)
			}

			continue
		}

		s[name] = value
	}

	return s
}

// Names returns the set of names defined in s.
func (s Snapshot) Names() Set {
	out := make(Set, len(s))
	for n := range s {
		out[n] = struct{}{}
	}

	return out
}

// Clone returns an independent copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}

	return out
}

// Lookup returns the value of name and whether it is defined.
func (s Snapshot) Lookup(name string) (string, bool) {
	v, ok := s[name]

	return v, ok
}

// Delta is the difference between two snapshots.
type Delta struct {
	// Changed holds names that are new in after or whose value differs.
	Changed Set
	// Removed holds names defined in before but not in after.
	Removed Set
	// Unchanged holds names with the same value in both.
	Unchanged Set
}

// Diff compares before and after by name and value. A variable that was
// reassigned to its original value is reported as unchanged.
func Diff(before, after Snapshot) Delta {
	d := Delta{Changed: make(Set), Removed: make(Set), Unchanged: make(Set)}

	for name, value := range after {
		old, ok := before[name]
		if ok && old == value {
			d.Unchanged[name] = struct{}{}
		} else {
			d.Changed[name] = struct{}{}
		}
	}

	for name := range before {
		if _, ok := after[name]; !ok {
			d.Removed[name] = struct{}{}
		}
	}

	return d
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Store is the activation environment of the service manager: the
// environment handed to every unit it starts.
//
// Unset is advisory. Some backends cannot remove a variable and store an
// empty value instead, so callers must converge when re-run.
type Store interface {
	Environment(ctx context.Context) (map[string]string, error)
	Import(ctx context.Context, vars map[string]string) error
	Unset(ctx context.Context, names []string) error
}

// ErrPropagation is returned when not a single variable could be pushed to
// or removed from the store.
var ErrPropagation = errors.New("propagating environment")

// Propagate imports vars and then unsets names. Each batch is attempted as
// a whole first and retried one variable at a time when the batch fails.
// Per-variable failures are logged; an error is returned only when every
// attempted operation of a non-empty batch failed.
func Propagate(ctx context.Context, store Store, vars map[string]string, names []string, log *slog.Logger) error {
	if log == nil {
		log = discardLogger
	}

	var errs []error

	if len(vars) > 0 {
		err := store.Import(ctx, vars)
		if err != nil {
			log.Warn("batch import failed, retrying per variable", "error", err)

			ok := 0

			for _, name := range slices.Sorted(maps.Keys(vars)) {
				one := map[string]string{name: vars[name]}

				err := store.Import(ctx, one)
				if err != nil {
					log.Error("cannot export variable", "name", name, "error", err)

					continue
				}

				ok++
			}

			if ok == 0 {
				errs = append(errs, fmt.Errorf("%w: import failed for all %d variables: %w", ErrPropagation, len(vars), err))
			}
		}
	}

	if len(names) > 0 {
		err := store.Unset(ctx, names)
		if err != nil {
			log.Warn("batch unset failed, retrying per variable", "error", err)

			ok := 0

			for _, name := range names {
				err := store.Unset(ctx, []string{name})
				if err != nil {
					log.Error("cannot unset variable", "name", name, "error", err)

					continue
				}

				ok++
			}

			if ok == 0 {
				errs = append(errs, fmt.Errorf("%w: unset failed for all %d variables: %w", ErrPropagation, len(names), err))
			}
		}
	}

	return errors.Join(errs...)
}

// MemoryStore is an in-process Store. It backs dry runs and tests.
type MemoryStore struct {
	mu  sync.Mutex
	env map[string]string

	// EmptyOnUnset mimics backends that can only blank a variable.
	EmptyOnUnset bool
}

// NewMemoryStore returns a store seeded with a copy of env.
func NewMemoryStore(env map[string]string) *MemoryStore {
	return &MemoryStore{env: maps.Clone(env)}
}

// Environment returns a copy of the stored variables.
func (m *MemoryStore) Environment(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := maps.Clone(m.env)
	if out == nil {
		out = map[string]string{}
	}

	return out, nil
}

// Import sets vars.
func (m *MemoryStore) Import(_ context.Context, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.env == nil {
		m.env = make(map[string]string, len(vars))
	}

	maps.Copy(m.env, vars)

	return nil
}

// Unset removes names, or blanks them when EmptyOnUnset is set.
func (m *MemoryStore) Unset(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range names {
		if m.EmptyOnUnset {
			if _, ok := m.env[n]; ok {
				m.env[n] = ""
			}

			continue
		}

		delete(m.env, n)
	}

	return nil
}

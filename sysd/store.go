package sysd

import "context"

// ActivationStore is the activation environment of the user manager. When
// the bus daemon keeps its own copy, every change is mirrored there too.
type ActivationStore struct {
	Manager *Manager
}

// Environment returns the manager's activation environment.
func (s ActivationStore) Environment(ctx context.Context) (map[string]string, error) {
	return s.Manager.Environment(ctx)
}

// Import sets vars.
func (s ActivationStore) Import(ctx context.Context, vars map[string]string) error {
	err := s.Manager.SetEnvironment(ctx, vars)
	if err != nil {
		return err
	}

	if s.Manager.NativeShared(ctx) {
		return nil
	}

	return s.Manager.UpdateActivationEnvironment(ctx, vars)
}

// Unset removes names. On a bus daemon with a separate environment the
// names are left behind with empty values.
func (s ActivationStore) Unset(ctx context.Context, names []string) error {
	err := s.Manager.UnsetEnvironment(ctx, names)
	if err != nil {
		return err
	}

	if s.Manager.NativeShared(ctx) {
		return nil
	}

	blank := make(map[string]string, len(names))
	for _, n := range names {
		blank[n] = ""
	}

	return s.Manager.UpdateActivationEnvironment(ctx, blank)
}

package session

import (
	"context"
	"errors"
	"log/slog"
)

// CleanupResult describes what Cleanup did.
type CleanupResult struct {
	Unset Set
	Files []string
}

// Cleanup unsets every name recorded in the cleanup lists plus the
// always-cleanup names, minus the never-cleanup names, and deletes the
// lists. Problems are logged and returned joined, but every step is
// attempted; callers must not fail shutdown on the returned error.
func Cleanup(ctx context.Context, store Store, lists CleanupLists, policy *Policy, log *slog.Logger) (*CleanupResult, error) {
	if log == nil {
		log = discardLogger
	}

	if policy == nil {
		policy = DefaultPolicy()
	}

	var errs []error

	recorded, files, err := lists.ReadAll(log)
	if err != nil {
		log.Error("cannot read cleanup lists", "error", err)
		errs = append(errs, err)
	}

	names := policy.CleanupNames(recorded)
	res := &CleanupResult{Unset: names, Files: files}

	log.Info("cleaning up variables", "names", names.Sorted())

	err = Propagate(ctx, store, nil, names.Sorted(), log)
	if err != nil {
		log.Error("cannot unset variables", "error", err)
		errs = append(errs, err)
	}

	err = lists.Remove(files)
	if err != nil {
		log.Error("cannot remove cleanup lists", "error", err)
		errs = append(errs, err)
	}

	err = DiscardStartContext(lists.Dir)
	if err != nil {
		errs = append(errs, err)
	}

	return res, errors.Join(errs...)
}

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Phase tags the contributor of a cleanup list.
type Phase string

// Cleanup list contributors.
const (
	PhasePrepare  Phase = "prepare"
	PhaseFinalize Phase = "finalize"
	PhaseWaitenv  Phase = "waitenv"
)

const cleanupPrefix = "env_names_for_cleanup."

// ErrNoRuntimeDir is returned when XDG_RUNTIME_DIR is not set.
var ErrNoRuntimeDir = errors.New("XDG_RUNTIME_DIR is not set")

// RuntimeDir returns the wsm directory below XDG_RUNTIME_DIR.
func RuntimeDir(env map[string]string) (string, error) {
	dir := env["XDG_RUNTIME_DIR"]
	if dir == "" {
		return "", ErrNoRuntimeDir
	}

	return filepath.Join(dir, Namespace), nil
}

// CleanupLists manages the cleanup list files in one runtime directory.
// Each contributor writes its own uniquely named file, so concurrent
// writers never touch the same file.
type CleanupLists struct {
	Dir string
}

// Write persists names as a new list for phase and returns its path.
// Nothing is written for an empty set. The file appears atomically.
func (c CleanupLists) Write(phase Phase, names Set) (string, error) {
	if len(names) == 0 {
		return "", nil
	}

	err := os.MkdirAll(c.Dir, 0o700)
	if err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	path := filepath.Join(c.Dir, cleanupPrefix+string(phase)+"."+uuid.NewString())

	err = writeFileAtomic(path, []byte(names.Lines()), 0o600)
	if err != nil {
		return "", fmt.Errorf("writing cleanup list: %w", err)
	}

	return path, nil
}

// List returns the paths of all cleanup lists, sorted. A missing
// directory yields no lists.
func (c CleanupLists) List() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing cleanup lists: %w", err)
	}

	var out []string

	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), cleanupPrefix) {
			out = append(out, filepath.Join(c.Dir, e.Name()))
		}
	}

	slices.Sort(out)

	return out, nil
}

// ReadAll returns the union of all lists and the files it read. Files that
// cannot be read and invalid names are logged and skipped.
func (c CleanupLists) ReadAll(log *slog.Logger) (Set, []string, error) {
	if log == nil {
		log = discardLogger
	}

	files, err := c.List()
	if err != nil {
		return nil, nil, err
	}

	names := make(Set)

	var read []string

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Error("cannot read cleanup list", "file", f, "error", err)

			continue
		}

		read = append(read, f)

		for n := range Normalize(ParseNames(string(data)), func(n string) {
			log.Warn("ignoring invalid variable name", "name", n, "file", f)
		}) {
			names.Add(n)
		}
	}

	return names, read, nil
}

// Remove deletes files. Already missing files are not an error.
func (c CleanupLists) Remove(files []string) error {
	var errs []error

	for _, f := range files {
		err := os.Remove(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}

	name := tmp.Name()

	defer func() {
		if err != nil {
			_ = os.Remove(name)
		}
	}()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(perm)
	}

	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return err
	}

	err = os.Rename(name, path)

	return err
}

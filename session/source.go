package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Sourcer applies environment files to an environment. Files that do not
// exist are skipped silently; files that exist but cannot be read are
// logged and skipped. The input snapshot is not modified.
type Sourcer interface {
	Source(ctx context.Context, env Snapshot, files []string) (Snapshot, error)
}

// ErrSourcing is returned when the shell used for sourcing fails.
var ErrSourcing = errors.New("sourcing environment")

// ShellSourcer sources files with a POSIX shell, so files may contain
// arbitrary shell code. The resulting environment is read back with
// `env -0` after a random marker; anything printed before the marker is
// logged. A file returning non-zero is logged and sourcing continues.
type ShellSourcer struct {
	// Shell defaults to "sh".
	Shell string
	Log   *slog.Logger
}

// Source implements Sourcer.
func (s *ShellSourcer) Source(ctx context.Context, env Snapshot, files []string) (Snapshot, error) {
	log := s.Log
	if log == nil {
		log = discardLogger
	}

	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}

	mark := "MARK_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "_MARK"

	var script strings.Builder

	for _, f := range files {
		q := shellQuote(f)
		fmt.Fprintf(&script, "if [ -f %s ]; then\n", q)
		fmt.Fprintf(&script, "\tif [ -r %s ]; then\n\t\techo \"Loading environment from \"%s\n\t\t. %s || echo \"Sourcing \"%s\" returned $?\" >&2\n", q, q, q, q)
		fmt.Fprintf(&script, "\telse\n\t\techo \"Environment file \"%s\" is not readable\" >&2\n\tfi\nfi\n", q)
	}

	fmt.Fprintf(&script, "printf '%%s' %s\nenv -0\n", shellQuote(mark))

	cmd := exec.CommandContext(ctx, shell, "-")
	cmd.Stdin = strings.NewReader(script.String())
	cmd.Env = snapshotToSlice(env)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	for line := range strings.Lines(stderr.String()) {
		if line = strings.TrimSpace(line); line != "" {
			log.Warn(line)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourcing, shell, err)
	}

	out := stdout.Bytes()

	pos := bytes.Index(out, []byte(mark))
	if pos < 0 {
		return nil, fmt.Errorf("%w: environment marker missing from shell output", ErrSourcing)
	}

	for line := range strings.Lines(string(out[:pos])) {
		if line = strings.TrimSpace(line); line != "" {
			log.Info(line)
		}
	}

	entries := strings.Split(strings.TrimSuffix(string(out[pos+len(mark):]), "\x00"), "\x00")

	return Capture(entries, func(name string) {
		log.Debug("dropping invalid variable name from shell", "name", name)
	}), nil
}

// DeclarativeSourcer reads files as KEY=VALUE lines without running any
// code. Supported syntax: comments, an optional "export " prefix, "unset
// NAME...", single quoted literal values, double quoted or bare values with
// $NAME and ${NAME} expansion. Malformed lines are logged and skipped.
type DeclarativeSourcer struct {
	Log *slog.Logger
}

// Source implements Sourcer.
func (s *DeclarativeSourcer) Source(_ context.Context, env Snapshot, files []string) (Snapshot, error) {
	log := s.Log
	if log == nil {
		log = discardLogger
	}

	out := env.Clone()

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			log.Warn("environment file is not readable", "file", f, "error", err)

			continue
		}

		log.Info("loading environment", "file", f)

		parseEnvFile(f, data, out, log)
	}

	return out, nil
}

func parseEnvFile(path string, data []byte, env Snapshot, log *slog.Logger) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for sc.Scan() {
		lineNo++

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "unset "); ok {
			for _, n := range strings.Fields(rest) {
				delete(env, n)
			}

			continue
		}

		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		name, raw, ok := strings.Cut(line, "=")
		if !ok || !ValidName(name) {
			log.Warn("skipping malformed line", "file", path, "line", lineNo)

			continue
		}

		value, err := parseValue(raw, env)
		if err != nil {
			log.Warn("skipping malformed line", "file", path, "line", lineNo, "error", err)

			continue
		}

		env[name] = value
	}
}

var errUnterminated = errors.New("unterminated quote")

func parseValue(raw string, env Snapshot) (string, error) {
	switch {
	case strings.HasPrefix(raw, "'"):
		end := strings.IndexByte(raw[1:], '\'')
		if end < 0 {
			return "", errUnterminated
		}

		return raw[1 : end+1], nil
	case strings.HasPrefix(raw, `"`):
		var b strings.Builder

		for i := 1; i < len(raw); i++ {
			c := raw[i]

			switch {
			case c == '"':
				return expand(b.String(), env), nil
			case c == '\\' && i+1 < len(raw) && strings.IndexByte(`"\$`, raw[i+1]) >= 0:
				if raw[i+1] == '$' {
					// keep escaped dollars away from expand
					b.WriteString("\x00")
				} else {
					b.WriteByte(raw[i+1])
				}

				i++
			default:
				b.WriteByte(c)
			}
		}

		return "", errUnterminated
	default:
		if i := strings.Index(raw, " #"); i >= 0 {
			raw = raw[:i]
		}

		return expand(strings.TrimSpace(raw), env), nil
	}
}

func expand(s string, env Snapshot) string {
	return strings.ReplaceAll(os.Expand(s, func(name string) string { return env[name] }), "\x00", "$")
}

func snapshotToSlice(env Snapshot) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}

	slices.Sort(out)

	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

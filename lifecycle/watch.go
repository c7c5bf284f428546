package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/calvinalkan/wsm/internal/clock"
)

// DefaultProbeInterval is how often the fallback watchdog probes.
const DefaultProbeInterval = 200 * time.Millisecond

// ErrInvalidPID is returned for PIDs that cannot name a process.
var ErrInvalidPID = errors.New("invalid pid")

// Watchdog waits for a process to disappear. It has no timeout.
type Watchdog struct {
	PID      int
	Clock    clock.Clock
	Interval time.Duration
	// Alive defaults to ProcessAlive.
	Alive func(pid int) (bool, error)
	Log   *slog.Logger
}

// Run blocks until the process is gone and returns nil, or until ctx is
// done. Probe errors are logged and retried.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.PID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, w.PID)
	}

	clk := w.Clock
	if clk == nil {
		clk = clock.Real()
	}

	alive := w.Alive
	if alive == nil {
		alive = ProcessAlive
	}

	log := w.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := alive(w.PID)
		if err != nil {
			log.Warn("cannot probe process", "pid", w.PID, "error", err)
		} else if !ok {
			log.Info("process is gone", "pid", w.PID)

			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExternalWaitpid returns the argv that waits for pid with the util-linux
// waitpid tool, or nil when it is not installed.
func ExternalWaitpid(pid int) []string {
	path, err := exec.LookPath("waitpid")
	if err != nil {
		return nil
	}

	return []string{path, "-e", strconv.Itoa(pid)}
}

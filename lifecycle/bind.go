package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/wsm/internal/clock"
)

// DefaultDiscoveryTimeout bounds the search for the compositor's main
// process.
const DefaultDiscoveryTimeout = 30 * time.Second

// ErrNoMainPID is returned when the unit did not get a main process in
// time.
var ErrNoMainPID = errors.New("unit has no main process")

// MainPIDSource reports the main process of a unit, 0 if there is none.
type MainPIDSource interface {
	MainPID(ctx context.Context, unit string) (int, error)
}

// Binder ends the starting process when the compositor exits. It runs in
// a helper spawned by start, while start itself waits for the unit.
type Binder struct {
	Units  MainPIDSource
	Unit   string
	Parent int

	Clock            clock.Clock
	DiscoveryTimeout time.Duration
	Interval         time.Duration
	// Alive defaults to ProcessAlive, Signal to unix.Kill.
	Alive  func(pid int) (bool, error)
	Signal func(pid int, sig unix.Signal) error
	Log    *slog.Logger
}

// Run discovers the main process of the unit, waits for it to exit and
// then sends SIGTERM to Parent if it is still alive. It returns early when
// Parent exits first.
func (b *Binder) Run(ctx context.Context) error {
	clk := b.Clock
	if clk == nil {
		clk = clock.Real()
	}

	alive := b.Alive
	if alive == nil {
		alive = ProcessAlive
	}

	signal := b.Signal
	if signal == nil {
		signal = Signal
	}

	log := b.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	interval := b.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	timeout := b.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	mainPID, err := b.discover(ctx, clk, interval, timeout)
	if err != nil {
		return err
	}

	log.Info("bound to compositor", "unit", b.Unit, "pid", mainPID, "parent", b.Parent)

	gone, err := b.wait(ctx, clk, interval, alive, mainPID, log)
	if err != nil {
		return err
	}

	if gone == b.Parent {
		log.Info("parent is gone, nothing to terminate", "parent", b.Parent)

		return nil
	}

	ok, err := alive(b.Parent)
	if err != nil || !ok {
		return nil
	}

	log.Info("compositor exited, terminating parent", "parent", b.Parent)

	err = signal(b.Parent, unix.SIGTERM)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminating parent %d: %w", b.Parent, err)
	}

	return nil
}

// wait checks the compositor and then the parent on every tick until one
// of them is gone, and returns that PID.
func (b *Binder) wait(ctx context.Context, clk clock.Clock, interval time.Duration, alive func(int) (bool, error), mainPID int, log *slog.Logger) (int, error) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, pid := range []int{mainPID, b.Parent} {
			ok, err := alive(pid)
			if err != nil {
				log.Warn("cannot probe process", "pid", pid, "error", err)

				continue
			}

			if !ok {
				log.Info("process is gone", "pid", pid)

				return pid, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Binder) discover(ctx context.Context, clk clock.Clock, interval, timeout time.Duration) (int, error) {
	deadline := clk.After(timeout)
	ticker := clk.NewTicker(interval)

	defer ticker.Stop()

	for {
		pid, err := b.Units.MainPID(ctx, b.Unit)
		if err == nil && pid > 0 {
			return pid, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return 0, fmt.Errorf("%w: %s", ErrNoMainPID, b.Unit)
		case <-ticker.C:
		}
	}
}

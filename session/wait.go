package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/wsm/internal/clock"
)

// MarkerVar is the variable whose presence proves the compositor is up.
const MarkerVar = "WAYLAND_DISPLAY"

// Wait defaults.
const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultSettleTime   = 200 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrWaitTimeout is returned when the required variables did not appear
// in time.
var ErrWaitTimeout = errors.New("timed out waiting for session variables")

// WaitState is a state of the readiness wait state machine.
type WaitState int

// Wait states. READY and TIMED_OUT are terminal.
const (
	WaitIdle WaitState = iota
	WaitWaiting
	WaitSettling
	WaitReady
	WaitTimedOut
)

func (s WaitState) String() string {
	switch s {
	case WaitIdle:
		return "IDLE"
	case WaitWaiting:
		return "WAITING"
	case WaitSettling:
		return "SETTLING"
	case WaitReady:
		return "READY"
	case WaitTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("WaitState(%d)", int(s))
	}
}

// Waiter blocks session startup until the compositor published the
// required variables to the activation environment. Whatever appeared in
// the store meanwhile is recorded as a cleanup list.
type Waiter struct {
	Store Store
	Clock clock.Clock
	// Required names must all have non-empty values. MarkerVar is always
	// required.
	Required Set
	Timeout  time.Duration
	Settle   time.Duration
	Poll     time.Duration
	// NeverCleanup names are left out of the recorded delta.
	NeverCleanup Set
	// Cleanup, when set, receives the delta as a waitenv list.
	Cleanup *CleanupLists
	// Notifier, when set, receives READY=1 on success.
	Notifier Notifier
	Log      *slog.Logger
	// OnTransition is called after every state change.
	OnTransition func(WaitState)

	mu    sync.Mutex
	state WaitState
}

// State returns the current state.
func (w *Waiter) State() WaitState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Waiter) transition(s WaitState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()

	w.log().Debug("wait state", "state", s.String())

	if w.OnTransition != nil {
		w.OnTransition(s)
	}
}

func (w *Waiter) log() *slog.Logger {
	if w.Log == nil {
		return discardLogger
	}

	return w.Log
}

// Run drives the state machine to READY or TIMED_OUT and returns the
// recorded delta. After TIMED_OUT nothing is notified or recorded.
func (w *Waiter) Run(ctx context.Context) (Set, error) {
	clk := w.Clock
	if clk == nil {
		clk = clock.Real()
	}

	timeout := orDefault(w.Timeout, DefaultWaitTimeout)
	settle := w.Settle
	poll := orDefault(w.Poll, DefaultPollInterval)

	required := Union(w.Required, NewSet(MarkerVar))

	w.transition(WaitWaiting)

	raw, err := w.Store.Environment(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading activation environment: %w", err)
	}

	baseline := SnapshotOf(raw, nil)

	deadline := clk.After(timeout)
	ticker := clk.NewTicker(poll)

	defer ticker.Stop()

	w.log().Info("waiting for variables", "names", required.Sorted(), "timeout", timeout)

	for !w.present(ctx, required) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, w.timedOut(required)
		case <-ticker.C:
		}

		select {
		case <-deadline:
			return nil, w.timedOut(required)
		default:
		}
	}

	w.transition(WaitSettling)

	if settle > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(settle):
		}
	}

	raw, err = w.Store.Environment(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading activation environment: %w", err)
	}

	delta := Subtract(Diff(baseline, SnapshotOf(raw, nil)).Changed, w.NeverCleanup)

	if w.Cleanup != nil {
		_, err := w.Cleanup.Write(PhaseWaitenv, delta)
		if err != nil {
			w.log().Error("cannot record variables for cleanup", "error", err)
		}
	}

	w.transition(WaitReady)

	if w.Notifier != nil {
		err := w.Notifier.Notify("READY=1")
		if err != nil {
			return delta, fmt.Errorf("signalling readiness: %w", err)
		}
	}

	return delta, nil
}

func (w *Waiter) present(ctx context.Context, required Set) bool {
	env, err := w.Store.Environment(ctx)
	if err != nil {
		w.log().Warn("cannot read activation environment", "error", err)

		return false
	}

	for n := range required {
		if env[n] == "" {
			return false
		}
	}

	return true
}

func (w *Waiter) timedOut(required Set) error {
	w.transition(WaitTimedOut)

	return fmt.Errorf("%w: %v", ErrWaitTimeout, required.Sorted())
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

// Package clock abstracts the time operations used by the session watchers
// so that polling loops, settle delays and timeouts can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by wsm.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)

	return &Ticker{C: t.C, stop: t.Stop}
}

// Package clock abstracts the time operations the sync engine depends on
// (wall time, one-shot timers, tickers) so the scheduler can be driven
// deterministically in tests.
package clock

import "time"

// Clock is implemented by Real and by *FakeClock.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. f runs on its own goroutine for
	// the real clock and synchronously inside Advance for the fake one.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// a pending timer.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks. C has capacity 1; late ticks are dropped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

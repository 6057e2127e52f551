// Package scheduler decides when the engine runs a sync cycle.
//
// A Scheduler moves through idle, scheduled, flushing and backoff. Local
// mutations are debounced so bursts coalesce into one cycle, bounded by a
// maximum delay from the first trigger. Work arriving during a cycle is held
// for the next one. A retryable failure enters backoff with an exponential,
// capped, jittered delay; any other failure ends in idle and is reported to
// state listeners. A running cycle is never cancelled.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/sethvargo/go-retry"
)

type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateFlushing  State = "flushing"
	StateBackoff   State = "backoff"
)

// Work tells a cycle what to do.
type Work struct {
	Push bool
	Pull bool
}

func (w Work) merge(o Work) Work {
	return Work{Push: w.Push || o.Push, Pull: w.Pull || o.Pull}
}

func (w Work) empty() bool { return !w.Push && !w.Pull }

// Runner performs one sync cycle.
type Runner interface {
	Cycle(ctx context.Context, w Work) error
}

type RunnerFunc func(ctx context.Context, w Work) error

func (f RunnerFunc) Cycle(ctx context.Context, w Work) error { return f(ctx, w) }

// Listener observes state changes. err is set when a cycle failed.
type Listener func(s State, err error)

type Options struct {
	Debounce    time.Duration
	MaxDebounce time.Duration
	// Heartbeat runs a push and pull cycle periodically while idle. Zero
	// disables it.
	Heartbeat time.Duration

	BackoffMin           time.Duration
	BackoffMax           time.Duration
	BackoffJitterPercent uint64

	Clock  clock.Clock
	Logger logging.Logger
}

func (o *Options) setDefaults() {
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	if o.MaxDebounce < o.Debounce {
		o.MaxDebounce = o.Debounce
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

type note struct {
	state State
	err   error
}

type Scheduler struct {
	opts   Options
	runner Runner
	logger logging.Logger
	wake   chan struct{}

	mu          sync.Mutex
	state       State
	lastErr     error
	pending     Work
	windowStart time.Time
	timer       *clock.Timer
	timerGen    uint64
	due         bool
	closed      bool
	backoff     retry.Backoff
	waiting     []chan error // FlushNow callers waiting for a cycle to start
	current     []chan error // FlushNow callers waiting for the running cycle
	listeners   []Listener
	notes       []note
}

func New(r Runner, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:   opts,
		runner: r,
		logger: opts.Logger.With("module", "scheduler"),
		wake:   make(chan struct{}, 1),
		state:  StateIdle,
	}
}

// OnState registers fn for state changes. Listeners run on the goroutine
// that caused the change, after the scheduler lock is released.
func (s *Scheduler) OnState(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns the current state and the error of the last failed cycle,
// cleared by the next successful one.
func (s *Scheduler) Status() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

func (s *Scheduler) State() State {
	st, _ := s.Status()
	return st
}

// MutationEnqueued schedules a push after the debounce delay.
func (s *Scheduler) MutationEnqueued() {
	s.trigger(Work{Push: true}, false)
}

// PullRequested schedules an immediate pull, e.g. after a gap in the
// change notifications.
func (s *Scheduler) PullRequested() {
	s.trigger(Work{Pull: true}, true)
}

// Reconnected runs a full cycle right away. A pending backoff is abandoned
// and the delay sequence restarts.
func (s *Scheduler) Reconnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = s.pending.merge(Work{Push: true, Pull: true})
	if s.state != StateFlushing {
		s.backoff = nil
		s.startWindowLocked()
		s.fireLocked()
	}
	s.unlockAndNotify()
}

// FlushNow runs a push and pull cycle without waiting for the debounce or
// backoff delay, and returns the result of the first cycle that starts after
// the call.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	ch := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.pending = s.pending.merge(Work{Push: true, Pull: true})
	s.waiting = append(s.waiting, ch)
	if s.state != StateFlushing {
		s.startWindowLocked()
		s.fireLocked()
	}
	s.unlockAndNotify()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes cycles until ctx ends. Cycles run on the calling goroutine
// with a context that is not cancelled by ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.opts.Heartbeat > 0 {
		t := s.opts.Clock.NewTicker(s.opts.Heartbeat)
		defer t.Stop()
		tick = t.C
	}

	cycleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.wake:
		case <-tick:
			s.heartbeat()
		}
		for s.runDue(cycleCtx) {
		}
	}
}

func (s *Scheduler) trigger(w Work, immediate bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = s.pending.merge(w)

	switch s.state {
	case StateIdle:
		s.startWindowLocked()
		if immediate {
			s.fireLocked()
		} else {
			s.armLocked(s.opts.Debounce)
		}
	case StateScheduled:
		if immediate {
			s.fireLocked()
			break
		}
		limit := s.windowStart.Add(s.opts.MaxDebounce).Sub(s.opts.Clock.Now())
		s.armLocked(min(s.opts.Debounce, limit))
	}
	// flushing holds the work for the next cycle; backoff waits for its timer
	s.unlockAndNotify()
}

func (s *Scheduler) heartbeat() {
	s.mu.Lock()
	if s.state == StateIdle && !s.closed {
		s.pending = s.pending.merge(Work{Push: true, Pull: true})
		s.startWindowLocked()
		s.fireLocked()
	}
	s.unlockAndNotify()
}

func (s *Scheduler) runDue(ctx context.Context) bool {
	s.mu.Lock()
	if !s.due || s.closed {
		s.mu.Unlock()
		return false
	}
	s.due = false
	work := s.pending
	s.pending = Work{}
	s.current = append(s.current, s.waiting...)
	s.waiting = nil
	s.setStateLocked(StateFlushing, nil)
	s.unlockAndNotify()

	s.logger.Debug(ctx, "sync cycle started", "push", work.Push, "pull", work.Pull)
	err := s.runner.Cycle(ctx, work)

	s.mu.Lock()
	current := s.current
	s.current = nil

	switch {
	case err == nil:
		s.backoff = nil
		s.lastErr = nil
		s.afterCycleLocked(nil)

	case common.IsRetryable(err):
		s.pending = s.pending.merge(work)
		s.lastErr = err
		if s.backoff == nil {
			s.backoff = s.newBackoff()
		}
		delay, _ := s.backoff.Next()
		s.logger.Warn(ctx, "sync cycle failed, backing off", "error", err, "retry_in", delay)
		s.setStateLocked(StateBackoff, err)
		if len(s.waiting) > 0 {
			s.fireLocked()
		} else {
			s.armLocked(delay)
		}

	default:
		s.backoff = nil
		s.lastErr = err
		s.logger.Error(ctx, "sync cycle failed", "error", err)
		s.afterCycleLocked(err)
	}
	s.unlockAndNotify()

	for _, ch := range current {
		ch <- err
	}
	return true
}

// afterCycleLocked leaves flushing: held work or waiting FlushNow callers
// start a new window, otherwise the scheduler goes idle. Work held during
// a cycle that failed for good is discarded; the mutation log still has it.
func (s *Scheduler) afterCycleLocked(err error) {
	if err != nil {
		s.setStateLocked(StateIdle, err)
	}
	switch {
	case len(s.waiting) > 0:
		s.startWindowLocked()
		s.fireLocked()
	case err == nil && !s.pending.empty():
		s.startWindowLocked()
		s.armLocked(s.opts.Debounce)
	default:
		s.pending = Work{}
		s.setStateLocked(StateIdle, nil)
	}
}

func (s *Scheduler) startWindowLocked() {
	if s.state != StateScheduled {
		s.windowStart = s.opts.Clock.Now()
	}
	s.setStateLocked(StateScheduled, nil)
}

// armLocked (re)starts the timer that makes the pending work due.
func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	if d <= 0 {
		s.due = true
		s.signal()
		return
	}
	gen := s.timerGen
	s.timer = s.opts.Clock.AfterFunc(d, func() { s.timerFired(gen) })
}

func (s *Scheduler) fireLocked() {
	s.armLocked(0)
}

func (s *Scheduler) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// timerFired makes the pending work due. An expired backoff returns to
// scheduled first.
func (s *Scheduler) timerFired(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.state == StateBackoff {
		s.startWindowLocked()
	}
	s.due = true
	s.signal()
	s.unlockAndNotify()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.opts.BackoffMin)
	b = retry.WithCappedDuration(s.opts.BackoffMax, b)
	if s.opts.BackoffJitterPercent > 0 {
		b = retry.WithJitterPercent(s.opts.BackoffJitterPercent, b)
	}
	return b
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	waiters := append(s.waiting, s.current...)
	s.waiting, s.current = nil, nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- common.ErrClosed
	}
}

func (s *Scheduler) setStateLocked(st State, err error) {
	if st == s.state && err == nil {
		return
	}
	s.state = st
	s.notes = append(s.notes, note{state: st, err: err})
}

func (s *Scheduler) unlockAndNotify() {
	notes := s.notes
	s.notes = nil
	listeners := s.listeners
	s.mu.Unlock()

	for _, n := range notes {
		for _, fn := range listeners {
			fn(n.state, n.err)
		}
	}
}

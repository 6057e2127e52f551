package app

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/logging"
)

type Mode string

const (
	ModeUnknown Mode = ""
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher pings the server periodically and reports when it becomes
// reachable again after a failed ping.
type Watcher struct {
	pinger      Pinger
	clock       clock.Clock
	interval    time.Duration
	onReconnect func()
	logger      logging.Logger

	mu   sync.Mutex
	mode Mode
}

func NewWatcher(p Pinger, clk clock.Clock, interval time.Duration, onReconnect func(), l logging.Logger) *Watcher {
	return &Watcher{
		pinger:      p,
		clock:       clk,
		interval:    interval,
		onReconnect: onReconnect,
		logger:      l.With("module", "watcher"),
	}
}

func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Run pings on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	err := w.pinger.Ping(ctx)

	next := ModeOnline
	if err != nil {
		next = ModeOffline
	}

	w.mu.Lock()
	prev := w.mode
	w.mode = next
	w.mu.Unlock()

	if prev == next {
		return
	}
	w.logger.Info(ctx, "switched mode", "mode", next)
	if prev == ModeOffline && next == ModeOnline && w.onReconnect != nil {
		w.onReconnect()
	}
}

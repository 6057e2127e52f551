package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"github.com/sethvargo/go-retry"
)

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe keeps a change stream open in the background. A broken stream
// is reopened after an exponential, capped, jittered delay; the delay
// sequence restarts once a stream is established again. OnReconnect runs
// after every successful reopen.
func (t *GRPC) Subscribe(ctx context.Context, fn func(models.RemoteChange)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		t.subscribeLoop(ctx, fn)
	}()
	return s, nil
}

func (t *GRPC) newBackoff() retry.Backoff {
	b := retry.NewExponential(t.opts.BackoffMin)
	b = retry.WithCappedDuration(t.opts.BackoffMax, b)
	if t.opts.BackoffJitterPercent > 0 {
		b = retry.WithJitterPercent(t.opts.BackoffJitterPercent, b)
	}
	return b
}

func (t *GRPC) subscribeLoop(ctx context.Context, fn func(models.RemoteChange)) {
	backoff := t.newBackoff()
	failed := false

	for {
		stream, err := t.client.Subscribe(ctx, &wire.SubscribeRequest{DeviceID: t.opts.DeviceID})
		if err == nil {
			if failed {
				t.logger.Info(ctx, "change stream reconnected")
				if t.opts.OnReconnect != nil {
					t.opts.OnReconnect()
				}
			}
			failed = false
			backoff = t.newBackoff()
			err = t.receive(stream, fn)
		}

		if ctx.Err() != nil {
			return
		}
		failed = true

		delay, stop := backoff.Next()
		if stop {
			return
		}
		t.logger.Warn(ctx, "change stream lost", "error", mapError(err), "retry_in", delay)
		if !t.sleep(ctx, delay) {
			return
		}
	}
}

func (t *GRPC) receive(stream wire.ChangeStream, fn func(models.RemoteChange)) error {
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("change stream closed by server")
			}
			return err
		}
		fn(fromWireEvent(ev))
	}
}

func (t *GRPC) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	timer := t.opts.Clock.AfterFunc(d, func() { close(fired) })
	defer timer.Stop()

	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	}
}

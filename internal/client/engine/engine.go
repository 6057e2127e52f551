// Package engine is the offline-first sync engine as seen by the UI: local
// edits are recorded durably and applied to the local view at once, then
// pushed in the background, while remote changes are merged as they arrive.
//
// An Engine is bound to one (user, device) pair. Its mutation log and state
// cache are guarded by a single lock; network calls run without it.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/cache"
	"github.com/dmitrijs2005/petsync/internal/client/device"
	"github.com/dmitrijs2005/petsync/internal/client/migrations"
	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/mutlog"
	"github.com/dmitrijs2005/petsync/internal/client/notifier"
	"github.com/dmitrijs2005/petsync/internal/client/reconcile"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/petsync/internal/client/scheduler"
	"github.com/dmitrijs2005/petsync/internal/client/transport"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
)

// Deps are the collaborators an Engine uses but does not own.
type Deps struct {
	DB        *sql.DB
	Transport transport.Transport
	Clock     clock.Clock
	Logger    logging.Logger
}

type Options struct {
	UserID string
	// DeviceID overrides the id persisted for this installation.
	DeviceID string

	Debounce             time.Duration
	MaxDebounce          time.Duration
	Heartbeat            time.Duration
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	BackoffJitterPercent uint64

	PushBatchSize      int
	ConfirmedRetention time.Duration
	// SuppressEcho skips merging change notifications this device caused.
	SuppressEcho bool
	Granularity  reconcile.Granularity
}

type Engine struct {
	userID    string
	deviceID  string
	scope     string
	opts      Options
	transport transport.Transport
	logger    logging.Logger

	sched    *scheduler.Scheduler
	notifier *notifier.Notifier

	mu     sync.Mutex
	log    *mutlog.Log
	cache  *cache.Cache
	rec    *reconcile.Reconciler
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
	sub    transport.Subscription
}

// Open prepares the local store and loads the persisted state of the user
// on this device. Mutations interrupted mid-push are pending again.
func Open(ctx context.Context, deps Deps, opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.UserID) == "" || strings.Contains(opts.UserID, "/") {
		return nil, fmt.Errorf("%w: invalid user id %q", common.ErrValidation, opts.UserID)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = 100
	}

	if err := migrations.Up(ctx, deps.DB); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		id, err := device.Ensure(ctx, metadata.NewSQLiteRepository(deps.DB))
		if err != nil {
			return nil, err
		}
		deviceID = id
	} else if err := device.Validate(deviceID); err != nil {
		return nil, err
	}

	scope := opts.UserID + "/" + deviceID
	logger := deps.Logger.With("user", opts.UserID, "device", deviceID)

	log, err := mutlog.Open(ctx, deps.DB, scope, deps.Clock, logger)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(ctx, deps.DB, scope, log.Outstanding(), logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		userID:    opts.UserID,
		deviceID:  deviceID,
		scope:     scope,
		opts:      opts,
		transport: deps.Transport,
		logger:    logger.With("module", "engine"),
		notifier:  notifier.New(),
		log:       log,
		cache:     c,
		rec:       reconcile.New(deviceID, opts.Granularity, log, c, logger),
	}
	e.sched = scheduler.New(scheduler.RunnerFunc(e.cycle), scheduler.Options{
		Debounce:             opts.Debounce,
		MaxDebounce:          opts.MaxDebounce,
		Heartbeat:            opts.Heartbeat,
		BackoffMin:           opts.BackoffMin,
		BackoffMax:           opts.BackoffMax,
		BackoffJitterPercent: opts.BackoffJitterPercent,
		Clock:                deps.Clock,
		Logger:               logger,
	})
	e.sched.OnState(func(s scheduler.State, err error) {
		e.notifier.PublishState(notifier.StateEvent{State: s, Err: err})
	})
	return e, nil
}

func (e *Engine) DeviceID() string { return e.deviceID }
func (e *Engine) UserID() string   { return e.userID }

// Start begins background sync: the scheduler loop, the change stream and
// an initial pull. Mutations left over from a previous run are pushed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return common.ErrClosed
	}
	if e.done != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	hasPending := len(e.log.Outstanding()) > 0
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		_ = e.sched.Run(runCtx)
	}()

	sub, err := e.transport.Subscribe(runCtx, e.onRemoteChange)
	if err != nil {
		e.logger.Warn(ctx, "change stream unavailable", "error", err)
	} else {
		e.mu.Lock()
		e.sub = sub
		e.mu.Unlock()
	}

	if hasPending {
		e.sched.MutationEnqueued()
	}
	e.sched.PullRequested()
	return nil
}

// Close stops background sync after the running cycle completes. The
// transport and the database belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done, sub := e.cancel, e.done, e.sub
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// EnqueueMutation records an edit of one entity and returns its id. The
// local view reflects it before this returns. A storage failure is
// reported as common.ErrLogWrite and nothing is recorded.
func (e *Engine) EnqueueMutation(ctx context.Context, kind, id string, patch map[string]any) (string, error) {
	if kind == "" || id == "" {
		return "", fmt.Errorf("%w: entity kind and id are required", common.ErrValidation)
	}
	if len(patch) == 0 {
		return "", fmt.Errorf("%w: empty patch", common.ErrValidation)
	}
	normalized, err := codec.Normalize(patch)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrValidation, err)
	}

	key := models.EntityKey{Kind: kind, ID: id}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", common.ErrClosed
	}
	base := make(models.FieldTimestamps, len(normalized))
	for f := range normalized {
		ts, _ := e.cache.BaseField(key, f)
		base[f] = ts
	}
	m := &models.Mutation{
		Entity:         key,
		Patch:          normalized,
		BaseTimestamps: base,
		DeviceID:       e.deviceID,
	}
	if err := e.log.Enqueue(ctx, m); err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.notifier.EnqueueChanges(e.cache.Refresh([]models.EntityKey{key}, e.log.Outstanding()))
	e.mu.Unlock()

	e.notifier.Drain()
	e.sched.MutationEnqueued()
	return m.ID, nil
}

// Read returns the visible state of an entity: the last known remote state
// with outstanding local edits applied.
func (e *Engine) Read(kind, id string) (*models.VersionedRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Read(models.EntityKey{Kind: kind, ID: id})
}

// Keys lists every visible entity.
func (e *Engine) Keys() []models.EntityKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Keys()
}

// Subscribe observes one entity. Handlers see changes in the order they
// were merged, each carrying the state right after its merge. They may read
// or enqueue, but must not wait on FlushNow.
func (e *Engine) Subscribe(kind, id string, fn func(notifier.Change)) *notifier.Subscription {
	return e.notifier.OnChange(kind, id, fn)
}

func (e *Engine) OnAny(fn func(notifier.Change)) *notifier.Subscription {
	return e.notifier.OnAny(fn)
}

func (e *Engine) OnState(fn func(notifier.StateEvent)) *notifier.Subscription {
	return e.notifier.OnState(fn)
}

func (e *Engine) OnOutcome(fn func(notifier.OutcomeEvent)) *notifier.Subscription {
	return e.notifier.OnOutcome(fn)
}

// FlushNow pushes and pulls without waiting for timers. Transient failures
// are left to the retry schedule and not returned.
func (e *Engine) FlushNow(ctx context.Context) error {
	err := e.sched.FlushNow(ctx)
	if common.IsRetryable(err) {
		return nil
	}
	return err
}

// State returns the scheduler state and the last cycle error, if any.
func (e *Engine) State() (scheduler.State, error) {
	return e.sched.Status()
}

// Reconnected tells the engine the network is back.
func (e *Engine) Reconnected() {
	e.sched.Reconnected()
}

// Failed lists mutations the backend rejected.
func (e *Engine) Failed() []*models.Mutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Failed()
}

// Pending lists mutations not yet confirmed, in enqueue order.
func (e *Engine) Pending() []*models.Mutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Outstanding()
}

// Retry puts rejected mutations back in the queue.
func (e *Engine) Retry(ctx context.Context, ids ...string) error {
	e.mu.Lock()
	var keys []models.EntityKey
	for _, id := range ids {
		if m, ok := e.log.Get(id); ok {
			keys = append(keys, m.Entity)
		}
	}
	if err := e.log.Requeue(ctx, ids); err != nil {
		e.mu.Unlock()
		return err
	}
	e.notifier.EnqueueChanges(e.cache.Refresh(keys, e.log.Outstanding()))
	e.mu.Unlock()

	e.notifier.Drain()
	e.sched.MutationEnqueued()
	return nil
}

func (e *Engine) onRemoteChange(ch models.RemoteChange) {
	ctx := context.Background()

	e.mu.Lock()
	var (
		changes []cache.Change
		err     error
	)
	if e.opts.SuppressEcho && ch.OriginDeviceID == e.deviceID {
		err = e.cache.AdvanceVersion(ctx, ch.Version)
	} else {
		changes, err = e.rec.ApplyRemoteChange(ctx, ch)
	}
	if err == nil {
		e.notifier.EnqueueChanges(changes)
	}
	version, known := e.cache.Version()
	e.mu.Unlock()

	if err != nil {
		e.logger.Error(ctx, "failed to apply remote change", "entity", ch.Entity.String(), "error", err)
		e.sched.PullRequested()
		return
	}
	e.notifier.Drain()

	if !known || ch.Version > version {
		e.logger.Debug(ctx, "change stream gap, pulling", "local_version", version, "event_version", ch.Version)
		e.sched.PullRequested()
	}
}

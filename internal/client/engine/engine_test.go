package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/notifier"
	"github.com/dmitrijs2005/petsync/internal/client/scheduler"
	"github.com/dmitrijs2005/petsync/internal/client/transport"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

/*************
 * Fake transport
 *************/

type fakeTransport struct {
	mu      sync.Mutex
	pushes  [][]*models.Mutation
	pushFn  func(batch []*models.Mutation) (*models.PushResult, error)
	pulls   int
	pullFn  func(since *int64) (*models.StateSnapshot, error)
	onEvent func(models.RemoteChange)
}

func (f *fakeTransport) Push(ctx context.Context, batch []*models.Mutation) (*models.PushResult, error) {
	f.mu.Lock()
	copied := make([]*models.Mutation, 0, len(batch))
	for _, m := range batch {
		copied = append(copied, m.Clone())
	}
	f.pushes = append(f.pushes, copied)
	fn := f.pushFn
	f.mu.Unlock()

	if fn == nil {
		return acceptAll(batch), nil
	}
	return fn(batch)
}

func (f *fakeTransport) Pull(ctx context.Context, since *int64) (*models.StateSnapshot, error) {
	f.mu.Lock()
	f.pulls++
	fn := f.pullFn
	f.mu.Unlock()

	if fn != nil {
		return fn(since)
	}
	if since == nil {
		return &models.StateSnapshot{Full: true, Entities: map[models.EntityKey]*models.VersionedRecord{}}, nil
	}
	return &models.StateSnapshot{Version: *since, Entities: map[models.EntityKey]*models.VersionedRecord{}}, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, fn func(models.RemoteChange)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = fn
	return noopSubscription{}, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

type noopSubscription struct{}

func (noopSubscription) Close() {}

var serverClock atomic.Int64

func acceptAll(batch []*models.Mutation) *models.PushResult {
	res := &models.PushResult{Outcomes: map[string]models.PushOutcome{}}
	for _, m := range batch {
		ts := models.FieldTimestamps{}
		for f := range m.EffectivePatch() {
			ts[f] = 1_000 + serverClock.Add(1)
		}
		res.Outcomes[m.ID] = models.PushOutcome{Status: models.PushAccepted, FieldTimestamps: ts}
	}
	return res
}

/*************
 * Helpers
 *************/

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func defaultOptions() Options {
	return Options{
		UserID:        "user-1",
		DeviceID:      "dev-a",
		Debounce:      time.Hour,
		MaxDebounce:   time.Hour,
		BackoffMin:    time.Second,
		BackoffMax:    10 * time.Second,
		PushBatchSize: 100,
	}
}

func openEngine(t *testing.T, db *sql.DB, tr transport.Transport, clk clock.Clock, opts Options) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Deps{DB: db, Transport: tr, Clock: clk, Logger: logging.Nop()}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// started opens and starts an engine, then waits for the initial pull.
func started(t *testing.T, tr *fakeTransport, clk clock.Clock, opts Options) *Engine {
	t.Helper()
	e := openEngine(t, setupDB(t), tr, clk, opts)
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		st, _ := e.State()
		return tr.pullCount() >= 1 && st == scheduler.StateIdle
	}, 5*time.Second, time.Millisecond)
	return e
}

func newClock() *clock.FakeClock {
	return clock.Fake(time.UnixMilli(1_700_000_000_000))
}

func enqueue(t *testing.T, e *Engine, kind, id string, patch map[string]any) string {
	t.Helper()
	mid, err := e.EnqueueMutation(context.Background(), kind, id, patch)
	require.NoError(t, err)
	return mid
}

func status(t *testing.T, e *Engine, id string) models.MutationStatus {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.log.Get(id)
	require.True(t, ok)
	return m.Status
}

/*************
 * Tests
 *************/

func TestEnqueue_OptimisticRead(t *testing.T) {
	e := openEngine(t, setupDB(t), &fakeTransport{}, newClock(), defaultOptions())

	id := enqueue(t, e, "pet", "pet-1", map[string]any{"happiness": 80})

	rec, ok := e.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, int64(80), rec.Fields["happiness"])

	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "dev-a", pending[0].DeviceID)
	assert.Equal(t, models.FieldTimestamps{"happiness": 0}, pending[0].BaseTimestamps)
}

func TestEnqueue_NotifiesSubscribers(t *testing.T) {
	e := openEngine(t, setupDB(t), &fakeTransport{}, newClock(), defaultOptions())

	var got []notifier.Change
	sub := e.Subscribe("pet", "pet-1", func(c notifier.Change) { got = append(got, c) })

	enqueue(t, e, "pet", "pet-1", map[string]any{"happiness": 80})
	enqueue(t, e, "pet", "pet-2", map[string]any{"happiness": 10})
	sub.Unsubscribe()
	enqueue(t, e, "pet", "pet-1", map[string]any{"happiness": 90})

	require.Len(t, got, 1)
	assert.Equal(t, int64(80), got[0].Record.Fields["happiness"])
	assert.Equal(t, []string{"/happiness"}, got[0].ChangedPaths)
}

func TestEnqueue_Validation(t *testing.T) {
	e := openEngine(t, setupDB(t), &fakeTransport{}, newClock(), defaultOptions())
	ctx := context.Background()

	_, err := e.EnqueueMutation(ctx, "pet", "pet-1", nil)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = e.EnqueueMutation(ctx, "", "pet-1", map[string]any{"a": 1})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = e.EnqueueMutation(ctx, "pet", "pet-1", map[string]any{"a": make(chan int)})
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.Empty(t, e.Pending())
}

func TestEnqueue_LogWriteFailureIsReported(t *testing.T) {
	db := setupDB(t)
	e := openEngine(t, db, &fakeTransport{}, newClock(), defaultOptions())
	require.NoError(t, db.Close())

	_, err := e.EnqueueMutation(context.Background(), "pet", "pet-1", map[string]any{"a": 1})
	require.ErrorIs(t, err, common.ErrLogWrite)

	_, ok := e.Read("pet", "pet-1")
	assert.False(t, ok)
	assert.Empty(t, e.Pending())
}

func TestOpen_RejectsBadIdentity(t *testing.T) {
	db := setupDB(t)

	opts := defaultOptions()
	opts.UserID = ""
	_, err := Open(context.Background(), Deps{DB: db, Transport: &fakeTransport{}}, opts)
	assert.ErrorIs(t, err, common.ErrValidation)

	opts = defaultOptions()
	opts.DeviceID = "a/b"
	_, err = Open(context.Background(), Deps{DB: db, Transport: &fakeTransport{}}, opts)
	assert.Error(t, err)
}

func TestOpen_GeneratesStableDeviceID(t *testing.T) {
	db := setupDB(t)
	opts := defaultOptions()
	opts.DeviceID = ""

	first := openEngine(t, db, &fakeTransport{}, newClock(), opts)
	second := openEngine(t, db, &fakeTransport{}, newClock(), opts)

	assert.NotEmpty(t, first.DeviceID())
	assert.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestCrashRecovery_PendingSurvivesRestart(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	before := openEngine(t, db, &fakeTransport{}, newClock(), defaultOptions())
	id := enqueue(t, before, "pet", "pet-1", map[string]any{"name": "Rex"})
	before.mu.Lock()
	require.NoError(t, before.log.MarkInFlight(ctx, []string{id}))
	before.mu.Unlock()

	after := openEngine(t, db, &fakeTransport{}, newClock(), defaultOptions())

	pending := after.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, models.StatusPending, pending[0].Status)

	rec, ok := after.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, "Rex", rec.Fields["name"])
}

func TestFlushNow_PreservesPerEntityOrder(t *testing.T) {
	tr := &fakeTransport{}
	opts := defaultOptions()
	opts.PushBatchSize = 2
	e := started(t, tr, newClock(), opts)

	var want []string
	for i := range 3 {
		want = append(want, enqueue(t, e, "pet", "pet-1", map[string]any{"hunger": i}))
		enqueue(t, e, "pet", "pet-2", map[string]any{"hunger": i})
	}

	require.NoError(t, e.FlushNow(context.Background()))

	var got []string
	tr.mu.Lock()
	for _, batch := range tr.pushes {
		assert.LessOrEqual(t, len(batch), 2)
		for _, m := range batch {
			if m.Entity.ID == "pet-1" {
				got = append(got, m.ID)
			}
		}
	}
	tr.mu.Unlock()

	assert.Equal(t, want, got)
	assert.Empty(t, e.Pending())

	rec, ok := e.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Fields["hunger"])
}

func TestPushTimesOutThreeTimesThenSucceeds(t *testing.T) {
	clk := newClock()

	var (
		mu       sync.Mutex
		attempts int
		applied  = map[string]models.PushOutcome{}
		effects  int
	)
	tr := &fakeTransport{pushFn: func(batch []*models.Mutation) (*models.PushResult, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++

		res := &models.PushResult{Outcomes: map[string]models.PushOutcome{}}
		for _, m := range batch {
			if _, done := applied[m.ID]; !done && attempts >= 2 {
				applied[m.ID] = acceptAll([]*models.Mutation{m}).Outcomes[m.ID]
				effects++
			}
			res.Outcomes[m.ID] = applied[m.ID]
		}
		if attempts <= 3 {
			return nil, fmt.Errorf("%w: %w", common.ErrTransport, context.DeadlineExceeded)
		}
		return res, nil
	}}

	opts := defaultOptions()
	opts.Debounce, opts.MaxDebounce = 0, 0
	e := started(t, tr, clk, opts)

	id := enqueue(t, e, "pet", "pet-1", map[string]any{"happiness": 80})

	for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clk.WaitForTimers(1)
		clk.Advance(d)
	}

	require.Eventually(t, func() bool { return status(t, e, id) == models.StatusConfirmed }, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 1, effects)

	rec, ok := e.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, int64(80), rec.Fields["happiness"])
}

func TestConflict_LaterServerWriteWins(t *testing.T) {
	tr := &fakeTransport{pushFn: func(batch []*models.Mutation) (*models.PushResult, error) {
		server := models.NewRecord()
		server.SetField("name", "A's name", 5_000, "dev-z")
		server.RemoteVersion = 2
		return &models.PushResult{Outcomes: map[string]models.PushOutcome{
			batch[0].ID: {Status: models.PushConflict, ServerRecord: server},
		}}, nil
	}}
	e := started(t, tr, newClock(), defaultOptions())

	var outcomes []notifier.OutcomeEvent
	e.OnOutcome(func(ev notifier.OutcomeEvent) { outcomes = append(outcomes, ev) })

	id := enqueue(t, e, "pet", "pet-1", map[string]any{"name": "B's name"})
	require.NoError(t, e.FlushNow(context.Background()))

	rec, ok := e.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, "A's name", rec.Fields["name"])
	assert.Equal(t, models.StatusConfirmed, status(t, e, id))
	assert.Empty(t, e.Pending())

	require.Len(t, outcomes, 1)
	assert.Equal(t, models.PushConflict, outcomes[0].Status)
}

func TestRemoteChange_DisjointFieldsBothKept(t *testing.T) {
	e := openEngine(t, setupDB(t), &fakeTransport{}, newClock(), defaultOptions())

	enqueue(t, e, "wallet", "wallet-1", map[string]any{"nickname": "piggy"})
	e.onRemoteChange(models.RemoteChange{
		Entity:          models.EntityKey{Kind: "wallet", ID: "wallet-1"},
		Patch:           models.Patch{"balance": int64(250)},
		FieldTimestamps: models.FieldTimestamps{"balance": 9},
		OriginDeviceID:  "dev-b",
		Version:         1,
	})

	rec, ok := e.Read("wallet", "wallet-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"nickname": "piggy", "balance": int64(250)}, rec.Fields)
	assert.Len(t, e.Pending(), 1)
}

func TestRejected_SurfacedAndRetryable(t *testing.T) {
	tr := &fakeTransport{pushFn: func(batch []*models.Mutation) (*models.PushResult, error) {
		return &models.PushResult{Outcomes: map[string]models.PushOutcome{
			batch[0].ID: {Status: models.PushRejected, Reason: "unknown field"},
		}}, nil
	}}
	e := started(t, tr, newClock(), defaultOptions())

	var outcomes []notifier.OutcomeEvent
	e.OnOutcome(func(ev notifier.OutcomeEvent) { outcomes = append(outcomes, ev) })

	id := enqueue(t, e, "pet", "pet-1", map[string]any{"wings": 2})
	require.NoError(t, e.FlushNow(context.Background()))

	require.Len(t, outcomes, 1)
	assert.Equal(t, models.PushRejected, outcomes[0].Status)
	assert.Equal(t, "unknown field", outcomes[0].Reason)

	failed := e.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	_, ok := e.Read("pet", "pet-1")
	assert.False(t, ok)

	require.NoError(t, e.Retry(context.Background(), id))
	assert.Len(t, e.Pending(), 1)
	_, ok = e.Read("pet", "pet-1")
	assert.True(t, ok)
}

func TestAuthError_KeepsMutationsPending(t *testing.T) {
	tr := &fakeTransport{pushFn: func([]*models.Mutation) (*models.PushResult, error) {
		return nil, fmt.Errorf("%w: token expired", common.ErrAuth)
	}}
	e := started(t, tr, newClock(), defaultOptions())

	var states []notifier.StateEvent
	var mu sync.Mutex
	e.OnState(func(ev notifier.StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev)
	})

	id := enqueue(t, e, "pet", "pet-1", map[string]any{"name": "Rex"})
	err := e.FlushNow(context.Background())
	require.ErrorIs(t, err, common.ErrAuth)

	st, last := e.State()
	assert.Equal(t, scheduler.StateIdle, st)
	assert.ErrorIs(t, last, common.ErrAuth)
	assert.Equal(t, models.StatusPending, status(t, e, id))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.ErrorIs(t, states[len(states)-1].Err, common.ErrAuth)
}

func TestTransientFlushErrorIsNotReturned(t *testing.T) {
	tr := &fakeTransport{pushFn: func([]*models.Mutation) (*models.PushResult, error) {
		return nil, fmt.Errorf("%w: unreachable", common.ErrTransport)
	}}
	e := started(t, tr, newClock(), defaultOptions())

	enqueue(t, e, "pet", "pet-1", map[string]any{"name": "Rex"})
	require.NoError(t, e.FlushNow(context.Background()))

	st, last := e.State()
	assert.Equal(t, scheduler.StateBackoff, st)
	assert.ErrorIs(t, last, common.ErrTransport)
	assert.Len(t, e.Pending(), 1)
}

func TestChangeStreamGap_TriggersPull(t *testing.T) {
	tr := &fakeTransport{pullFn: func(since *int64) (*models.StateSnapshot, error) {
		return &models.StateSnapshot{Version: 5, Full: since == nil, Entities: map[models.EntityKey]*models.VersionedRecord{}}, nil
	}}
	e := started(t, tr, newClock(), defaultOptions())
	require.NoError(t, e.FlushNow(context.Background()))
	before := tr.pullCount()

	e.onRemoteChange(models.RemoteChange{
		Entity:          models.EntityKey{Kind: "pet", ID: "pet-1"},
		Patch:           models.Patch{"name": "Rex"},
		FieldTimestamps: models.FieldTimestamps{"name": 3},
		OriginDeviceID:  "dev-b",
		Version:         7,
	})

	require.Eventually(t, func() bool { return tr.pullCount() > before }, 5*time.Second, time.Millisecond)
}

func TestSuppressEcho_AdvancesVersionOnly(t *testing.T) {
	tr := &fakeTransport{pullFn: func(since *int64) (*models.StateSnapshot, error) {
		return &models.StateSnapshot{Version: 5, Full: since == nil, Entities: map[models.EntityKey]*models.VersionedRecord{}}, nil
	}}
	opts := defaultOptions()
	opts.SuppressEcho = true
	e := started(t, tr, newClock(), opts)
	require.NoError(t, e.FlushNow(context.Background()))

	e.onRemoteChange(models.RemoteChange{
		Entity:          models.EntityKey{Kind: "pet", ID: "pet-1"},
		Patch:           models.Patch{"name": "Rex"},
		FieldTimestamps: models.FieldTimestamps{"name": 3},
		OriginDeviceID:  "dev-a",
		Version:         6,
	})

	_, ok := e.Read("pet", "pet-1")
	assert.False(t, ok)
	e.mu.Lock()
	v, _ := e.cache.Version()
	e.mu.Unlock()
	assert.Equal(t, int64(6), v)
}

func TestClose(t *testing.T) {
	e := started(t, &fakeTransport{}, newClock(), defaultOptions())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.EnqueueMutation(context.Background(), "pet", "pet-1", map[string]any{"a": 1})
	assert.ErrorIs(t, err, common.ErrClosed)
	assert.ErrorIs(t, e.Start(context.Background()), common.ErrClosed)
}

func TestNotifications_FollowMergeOrder(t *testing.T) {
	var ts atomic.Int64
	key := models.EntityKey{Kind: "pet", ID: "pet-1"}

	tr := &fakeTransport{pullFn: func(*int64) (*models.StateSnapshot, error) {
		n := ts.Add(1)
		rec := models.NewRecord()
		rec.SetField("happiness", n, n, "dev-b")
		return &models.StateSnapshot{Version: n, Entities: map[models.EntityKey]*models.VersionedRecord{key: rec}}, nil
	}}
	e := openEngine(t, setupDB(t), tr, newClock(), defaultOptions())

	var (
		mu   sync.Mutex
		seen []int64
	)
	e.Subscribe("pet", "pet-1", func(c notifier.Change) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c.Record.FieldTimestamps["happiness"])
	})

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range rounds {
			assert.NoError(t, e.pull(context.Background()))
		}
	}()
	go func() {
		defer wg.Done()
		for range rounds {
			n := ts.Add(1)
			e.onRemoteChange(models.RemoteChange{
				Entity:          key,
				Patch:           models.Patch{"happiness": n},
				FieldTimestamps: models.FieldTimestamps{"happiness": n},
				OriginDeviceID:  "dev-c",
				Version:         n,
			})
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1], "change %d delivered out of merge order", i)
	}
	rec, ok := e.Read("pet", "pet-1")
	require.True(t, ok)
	assert.Equal(t, rec.FieldTimestamps["happiness"], seen[len(seen)-1])
}

func TestConcurrentEnqueues_AllNotified(t *testing.T) {
	e := openEngine(t, setupDB(t), &fakeTransport{}, newClock(), defaultOptions())

	var delivered atomic.Int32
	e.Subscribe("pet", "pet-1", func(notifier.Change) { delivered.Add(1) })

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enqueue(t, e, "pet", fmt.Sprintf("pet-%d", i%2), map[string]any{"happiness": i})
		}()
	}
	wg.Wait()

	// every enqueue of pet-1 changed its visible state
	assert.Equal(t, int32(4), delivered.Load())
}

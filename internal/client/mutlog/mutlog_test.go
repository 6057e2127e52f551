package mutlog

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/migrations"
	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const scope = "user-1/dev-a"

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Up(context.Background(), db))
	return db
}

func openLog(t *testing.T, db *sql.DB, clk clock.Clock) *Log {
	t.Helper()
	l, err := Open(context.Background(), db, scope, clk, logging.Nop())
	require.NoError(t, err)
	return l
}

func newMutation(entity string, patch models.Patch) *models.Mutation {
	return &models.Mutation{
		Entity:   models.EntityKey{Kind: "pet", ID: entity},
		Patch:    patch,
		DeviceID: "dev-a",
	}
}

func ids(seq func(func(*models.Mutation) bool)) []string {
	var out []string
	for m := range seq {
		out = append(out, m.ID)
	}
	return out
}

func TestEnqueue_AssignsSequenceAndKeepsOrder(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(1_700_000_000_000))
	l := openLog(t, setupDB(t), clk)
	ctx := context.Background()

	var enqueued []string
	for i, e := range []string{"pet-1", "pet-2", "pet-1"} {
		m := newMutation(e, models.Patch{"happiness": int64(i)})
		require.NoError(t, l.Enqueue(ctx, m))
		assert.Equal(t, int64(i+1), m.LocalSeq)
		assert.Equal(t, models.StatusPending, m.Status)
		assert.NotEmpty(t, m.ID)
		enqueued = append(enqueued, m.ID)
	}

	first := ids(l.PendingInOrder())
	second := ids(l.PendingInOrder())
	assert.Equal(t, enqueued, first)
	assert.Equal(t, first, second, "re-reading yields the same sequence")

	forPet1 := l.ForEntity(models.EntityKey{Kind: "pet", ID: "pet-1"})
	require.Len(t, forPet1, 2)
	assert.Less(t, forPet1[0].LocalSeq, forPet1[1].LocalSeq)
}

func TestPendingInOrder_StopsEarly(t *testing.T) {
	l := openLog(t, setupDB(t), clock.Fake(time.Now()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Enqueue(ctx, newMutation("pet-1", models.Patch{"n": int64(i)})))
	}

	n := 0
	for range l.PendingInOrder() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestEnqueue_ReturnedCopiesAreIsolated(t *testing.T) {
	l := openLog(t, setupDB(t), clock.Fake(time.Now()))
	ctx := context.Background()

	m := newMutation("pet-1", models.Patch{"name": "Rex"})
	require.NoError(t, l.Enqueue(ctx, m))
	m.Patch["name"] = "changed"

	for got := range l.PendingInOrder() {
		assert.Equal(t, "Rex", got.Patch["name"])
		got.Patch["name"] = "also changed"
	}
	stored, ok := l.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "Rex", stored.Patch["name"])
}

func TestEnqueue_StorageFailureIsLogWriteError(t *testing.T) {
	db := setupDB(t)
	l := openLog(t, db, clock.Fake(time.Now()))
	ctx := context.Background()

	require.NoError(t, l.Enqueue(ctx, newMutation("pet-1", models.Patch{"a": int64(1)})))
	require.NoError(t, db.Close())

	err := l.Enqueue(ctx, newMutation("pet-1", models.Patch{"a": int64(2)}))
	require.ErrorIs(t, err, common.ErrLogWrite)
	assert.Len(t, l.Outstanding(), 1, "in-memory log unchanged")
}

func TestEnqueue_DuplicateIDRejected(t *testing.T) {
	l := openLog(t, setupDB(t), clock.Fake(time.Now()))
	ctx := context.Background()

	m := newMutation("pet-1", models.Patch{"a": int64(1)})
	m.ID = "fixed"
	require.NoError(t, l.Enqueue(ctx, m))

	dup := newMutation("pet-1", models.Patch{"a": int64(2)})
	dup.ID = "fixed"
	require.ErrorIs(t, l.Enqueue(ctx, dup), common.ErrLogWrite)
}

func TestOpen_CrashRecoveryKeepsMutationsPending(t *testing.T) {
	db := setupDB(t)
	clk := clock.Fake(time.Now())
	ctx := context.Background()

	l := openLog(t, db, clk)
	a := newMutation("pet-1", models.Patch{"happiness": int64(80)})
	b := newMutation("pet-2", models.Patch{"name": "Rex"})
	require.NoError(t, l.Enqueue(ctx, a))
	require.NoError(t, l.Enqueue(ctx, b))
	require.NoError(t, l.MarkInFlight(ctx, []string{a.ID}))

	// Simulated restart: a fresh Log over the same database.
	restarted := openLog(t, db, clk)

	assert.Equal(t, []string{a.ID, b.ID}, ids(restarted.PendingInOrder()))
	got, ok := restarted.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.Patch{"happiness": int64(80)}, got.Patch)

	c := newMutation("pet-1", models.Patch{"happiness": int64(81)})
	require.NoError(t, restarted.Enqueue(ctx, c))
	assert.Equal(t, int64(3), c.LocalSeq)
}

func TestTransitions_AreIdempotentAndMonotonic(t *testing.T) {
	l := openLog(t, setupDB(t), clock.Fake(time.Now()))
	ctx := context.Background()

	m := newMutation("pet-1", models.Patch{"a": int64(1)})
	require.NoError(t, l.Enqueue(ctx, m))

	// pending cannot jump to confirmed or failed.
	require.NoError(t, l.MarkConfirmed(ctx, []string{m.ID}))
	require.NoError(t, l.MarkFailed(ctx, []string{m.ID}, "x"))
	got, _ := l.Get(m.ID)
	assert.Equal(t, models.StatusPending, got.Status)

	require.NoError(t, l.MarkInFlight(ctx, []string{m.ID, "unknown"}))
	require.NoError(t, l.MarkInFlight(ctx, []string{m.ID}))
	assert.Empty(t, ids(l.PendingInOrder()))
	assert.Len(t, l.Outstanding(), 1)

	require.NoError(t, l.MarkConfirmed(ctx, []string{m.ID}))
	require.NoError(t, l.MarkConfirmed(ctx, []string{m.ID}))
	require.NoError(t, l.MarkFailed(ctx, []string{m.ID}, "late"))
	require.NoError(t, l.Requeue(ctx, []string{m.ID}))

	got, _ = l.Get(m.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Empty(t, l.Outstanding())
}

func TestFailedAndRequeue(t *testing.T) {
	db := setupDB(t)
	clk := clock.Fake(time.Now())
	l := openLog(t, db, clk)
	ctx := context.Background()

	m := newMutation("pet-1", models.Patch{"a": int64(1)})
	require.NoError(t, l.Enqueue(ctx, m))
	require.NoError(t, l.MarkInFlight(ctx, []string{m.ID}))
	require.NoError(t, l.MarkFailed(ctx, []string{m.ID}, "field a is read-only"))

	failed := l.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "field a is read-only", failed[0].Reason)

	reopened := openLog(t, db, clk)
	require.Len(t, reopened.Failed(), 1)

	require.NoError(t, l.Requeue(ctx, []string{m.ID}))
	assert.Equal(t, []string{m.ID}, ids(l.PendingInOrder()))
	assert.Empty(t, l.Failed())
}

func TestDropFields_PersistsAndReportsExhaustion(t *testing.T) {
	db := setupDB(t)
	clk := clock.Fake(time.Now())
	l := openLog(t, db, clk)
	ctx := context.Background()

	m := newMutation("pet-1", models.Patch{"name": "Rex", "hunger": int64(2)})
	require.NoError(t, l.Enqueue(ctx, m))

	empty, err := l.DropFields(ctx, m.ID, []string{"name", "not-in-patch"})
	require.NoError(t, err)
	assert.False(t, empty)

	reopened := openLog(t, db, clk)
	got, ok := reopened.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, got.Dropped)
	assert.Equal(t, models.Patch{"hunger": int64(2)}, got.EffectivePatch())

	empty, err = l.DropFields(ctx, m.ID, []string{"hunger"})
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, l.Retire(ctx, []string{m.ID}))
	got, _ = l.Get(m.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
}

func TestPurgeConfirmedOlderThan(t *testing.T) {
	db := setupDB(t)
	clk := clock.Fake(time.UnixMilli(1_700_000_000_000))
	l := openLog(t, db, clk)
	ctx := context.Background()

	old := newMutation("pet-1", models.Patch{"a": int64(1)})
	require.NoError(t, l.Enqueue(ctx, old))
	require.NoError(t, l.MarkInFlight(ctx, []string{old.ID}))
	require.NoError(t, l.MarkConfirmed(ctx, []string{old.ID}))

	clk.Advance(time.Hour)
	recent := newMutation("pet-1", models.Patch{"a": int64(2)})
	require.NoError(t, l.Enqueue(ctx, recent))
	require.NoError(t, l.MarkInFlight(ctx, []string{recent.ID}))
	require.NoError(t, l.MarkConfirmed(ctx, []string{recent.ID}))

	n, err := l.PurgeConfirmedOlderThan(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := l.Get(old.ID)
	assert.False(t, ok)
	_, ok = l.Get(recent.ID)
	assert.True(t, ok)

	counts := openLog(t, db, clk).Counts()
	assert.Equal(t, map[models.MutationStatus]int{models.StatusConfirmed: 1}, counts)

	// The sequence is never reused after a purge.
	next := newMutation("pet-1", models.Patch{"a": int64(3)})
	require.NoError(t, l.Enqueue(ctx, next))
	assert.Equal(t, int64(3), next.LocalSeq)
	assert.True(t, slices.Contains(ids(l.PendingInOrder()), next.ID))
}

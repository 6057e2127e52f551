// Package mutlog is the durable, ordered queue of local mutations.
//
// Every state change is written to SQLite first and applied to the
// in-memory index only after the transaction commits, so a failed write
// leaves the log exactly as it was. A Log is not safe for concurrent use;
// the engine serializes access to it.
package mutlog

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/mutations"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/dbx"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/google/uuid"
)

const seqKey = "local_seq"

type Log struct {
	db     *sql.DB
	scope  string
	clock  clock.Clock
	logger logging.Logger

	entries []*models.Mutation // ordered by LocalSeq
	byID    map[string]*models.Mutation
	lastSeq int64
	opening bool // in-flight may go back to pending only while opening
}

// Open loads the log of scope. Mutations left in-flight by an interrupted
// push are returned to pending; the backend applies them idempotently if
// the push did reach it.
func Open(ctx context.Context, db *sql.DB, scope string, clk clock.Clock, l logging.Logger) (*Log, error) {
	lg := &Log{
		db:     db,
		scope:  scope,
		clock:  clk,
		logger: l.With("module", "mutlog"),
		byID:   make(map[string]*models.Mutation),
	}

	stored, err := mutations.NewSQLiteRepository(db).List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load mutation log: %w", err)
	}

	lastSeq, _, err := metadata.NewSQLiteRepository(db).GetInt(ctx, scope, seqKey)
	if err != nil {
		return nil, fmt.Errorf("load sequence counter: %w", err)
	}

	var interrupted []string
	for _, m := range stored {
		if m.Status == models.StatusInFlight {
			interrupted = append(interrupted, m.ID)
		}
		lastSeq = max(lastSeq, m.LocalSeq)
		lg.entries = append(lg.entries, m)
		lg.byID[m.ID] = m
	}
	lg.lastSeq = lastSeq

	if len(interrupted) > 0 {
		lg.opening = true
		err := lg.transition(ctx, interrupted, models.StatusPending, "")
		lg.opening = false
		if err != nil {
			return nil, fmt.Errorf("recover in-flight mutations: %w", err)
		}
		lg.logger.Info(ctx, "recovered interrupted mutations", "count", len(interrupted))
	}

	return lg, nil
}

// Enqueue assigns the next local sequence number to m and stores it as
// pending. An empty ID is replaced by a fresh UUID. On failure the error
// wraps common.ErrLogWrite and the log is unchanged.
func (l *Log) Enqueue(ctx context.Context, m *models.Mutation) error {
	now := l.now()

	rec := m.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ClientTimestamp.IsZero() {
		rec.ClientTimestamp = now
	}
	rec.ClientTimestamp = time.UnixMilli(rec.ClientTimestamp.UnixMilli())
	rec.Status = models.StatusPending
	rec.UpdatedAt = now
	rec.Dropped = nil
	rec.Reason = ""

	if _, exists := l.byID[rec.ID]; exists {
		return fmt.Errorf("%w: duplicate mutation id %s", common.ErrLogWrite, rec.ID)
	}

	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := metadata.NewSQLiteRepository(tx)
		last, _, err := meta.GetInt(ctx, l.scope, seqKey)
		if err != nil {
			return err
		}
		rec.LocalSeq = max(last, l.lastSeq) + 1
		if err := meta.SetInt(ctx, l.scope, seqKey, rec.LocalSeq); err != nil {
			return err
		}
		return mutations.NewSQLiteRepository(tx).Insert(ctx, l.scope, rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrLogWrite, err)
	}

	l.lastSeq = rec.LocalSeq
	l.entries = append(l.entries, rec)
	l.byID[rec.ID] = rec

	m.ID = rec.ID
	m.LocalSeq = rec.LocalSeq
	m.ClientTimestamp = rec.ClientTimestamp
	m.Status = rec.Status
	m.UpdatedAt = rec.UpdatedAt
	return nil
}

// PendingInOrder yields copies of the pending mutations in LocalSeq order.
// The sequence reads the log when iterated, so it can be ranged over again
// and yields the same mutations until the log changes.
func (l *Log) PendingInOrder() iter.Seq[*models.Mutation] {
	return l.filtered(func(m *models.Mutation) bool { return m.Status == models.StatusPending })
}

// Outstanding returns pending and in-flight mutations in LocalSeq order.
// These are the mutations the local view is replayed from.
func (l *Log) Outstanding() []*models.Mutation {
	return slices.Collect(l.filtered(func(m *models.Mutation) bool { return m.Status.Active() }))
}

// ForEntity returns the outstanding mutations of key in LocalSeq order.
func (l *Log) ForEntity(key models.EntityKey) []*models.Mutation {
	return slices.Collect(l.filtered(func(m *models.Mutation) bool {
		return m.Status.Active() && m.Entity == key
	}))
}

// Failed returns mutations the backend rejected.
func (l *Log) Failed() []*models.Mutation {
	return slices.Collect(l.filtered(func(m *models.Mutation) bool { return m.Status == models.StatusFailed }))
}

func (l *Log) Get(id string) (*models.Mutation, bool) {
	m, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Counts returns the number of mutations per status.
func (l *Log) Counts() map[models.MutationStatus]int {
	out := make(map[models.MutationStatus]int)
	for _, m := range l.entries {
		out[m.Status]++
	}
	return out
}

func (l *Log) filtered(keep func(*models.Mutation) bool) iter.Seq[*models.Mutation] {
	return func(yield func(*models.Mutation) bool) {
		for _, m := range slices.Clone(l.entries) {
			if !keep(m) {
				continue
			}
			if !yield(m.Clone()) {
				return
			}
		}
	}
}

func (l *Log) MarkInFlight(ctx context.Context, ids []string) error {
	return l.transition(ctx, ids, models.StatusInFlight, "")
}

func (l *Log) MarkConfirmed(ctx context.Context, ids []string) error {
	return l.transition(ctx, ids, models.StatusConfirmed, "")
}

// MarkFailed records reason on each failed mutation.
func (l *Log) MarkFailed(ctx context.Context, ids []string, reason string) error {
	return l.transition(ctx, ids, models.StatusFailed, reason)
}

// Requeue returns failed mutations to pending for another attempt.
func (l *Log) Requeue(ctx context.Context, ids []string) error {
	return l.transition(ctx, ids, models.StatusPending, "")
}

// Retire confirms mutations that a remote winner has fully superseded,
// passing pending ones through in-flight.
func (l *Log) Retire(ctx context.Context, ids []string) error {
	var pending []string
	for _, id := range ids {
		if m, ok := l.byID[id]; ok && m.Status == models.StatusPending {
			pending = append(pending, id)
		}
	}
	if err := l.MarkInFlight(ctx, pending); err != nil {
		return err
	}
	return l.MarkConfirmed(ctx, ids)
}

// transition moves every listed mutation that can legally reach to.
// Unknown ids, mutations already in to, and illegal moves are skipped, which
// makes repeated calls no-ops.
func (l *Log) transition(ctx context.Context, ids []string, to models.MutationStatus, reason string) error {
	var targets []*models.Mutation
	for _, id := range ids {
		m, ok := l.byID[id]
		if !ok || m.Status == to || !m.Status.CanTransition(to) {
			continue
		}
		if to == models.StatusPending && m.Status == models.StatusInFlight && !l.opening {
			continue
		}
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		return nil
	}

	now := l.now()
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := mutations.NewSQLiteRepository(tx)
		for _, m := range targets {
			if err := repo.UpdateStatus(ctx, l.scope, m.ID, to, reason, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}

	for _, m := range targets {
		m.Status = to
		m.Reason = reason
		m.UpdatedAt = now
	}
	return nil
}

// DropFields marks fields of an outstanding mutation as superseded by a
// remote winner. It reports whether the mutation has nothing left to push.
func (l *Log) DropFields(ctx context.Context, id string, fields []string) (bool, error) {
	m, ok := l.byID[id]
	if !ok || !m.Status.Active() {
		return false, nil
	}

	dropped := slices.Clone(m.Dropped)
	for _, f := range fields {
		if _, inPatch := m.Patch[f]; inPatch && !slices.Contains(dropped, f) {
			dropped = append(dropped, f)
		}
	}
	if len(dropped) == len(m.Dropped) {
		return len(m.EffectivePatch()) == 0, nil
	}
	slices.Sort(dropped)

	now := l.now()
	if err := mutations.NewSQLiteRepository(l.db).SetDropped(ctx, l.scope, id, dropped, now); err != nil {
		return false, fmt.Errorf("drop fields of %s: %w", id, err)
	}
	m.Dropped = dropped
	m.UpdatedAt = now
	return len(m.EffectivePatch()) == 0, nil
}

// PurgeConfirmedOlderThan deletes confirmed mutations retired more than d
// ago and returns how many were removed.
func (l *Log) PurgeConfirmedOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	before := l.now().Add(-d)

	n, err := mutations.NewSQLiteRepository(l.db).DeleteConfirmedBefore(ctx, l.scope, before)
	if err != nil {
		return 0, err
	}

	l.entries = slices.DeleteFunc(l.entries, func(m *models.Mutation) bool {
		if m.Status == models.StatusConfirmed && m.UpdatedAt.Before(before) {
			delete(l.byID, m.ID)
			return true
		}
		return false
	})
	return n, nil
}

// now is the clock reading at the millisecond precision rows are stored
// with, so memory and a reloaded log agree.
func (l *Log) now() time.Time {
	return time.UnixMilli(l.clock.Now().UnixMilli())
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/notifier"
	"github.com/dmitrijs2005/petsync/internal/client/reconcile"
	"github.com/dmitrijs2005/petsync/internal/client/scheduler"
	"github.com/dmitrijs2005/petsync/internal/common"
)

// cycle runs one sync cycle for the scheduler.
func (e *Engine) cycle(ctx context.Context, w scheduler.Work) error {
	if w.Push {
		if err := e.pushPending(ctx); err != nil {
			return err
		}
	}
	if w.Pull {
		if err := e.pull(ctx); err != nil {
			return err
		}
	}
	e.purge(ctx)
	return nil
}

// pushPending sends the mutations that were pending when the cycle
// started, in batches. Mutations enqueued meanwhile wait for the next cycle.
func (e *Engine) pushPending(ctx context.Context) error {
	e.mu.Lock()
	var limit int64
	for m := range e.log.PendingInOrder() {
		limit = m.LocalSeq
	}
	e.mu.Unlock()

	for {
		batch, err := e.takeBatch(ctx, limit)
		if err != nil || len(batch) == 0 {
			return err
		}

		res, pushErr := e.transport.Push(ctx, batch)

		report, err := e.settle(ctx, batch, res, pushErr)
		e.notifier.Drain()
		if err != nil {
			return err
		}
		if pushErr != nil && !errors.Is(pushErr, common.ErrValidation) {
			return pushErr
		}
		if len(report.Outcomes) == 0 {
			return fmt.Errorf("%w: push returned no outcomes", common.ErrTransport)
		}
	}
}

// takeBatch marks up to PushBatchSize pending mutations with LocalSeq at
// most limit in-flight and returns them.
func (e *Engine) takeBatch(ctx context.Context, limit int64) ([]*models.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		batch []*models.Mutation
		ids   []string
	)
	for m := range e.log.PendingInOrder() {
		if m.LocalSeq > limit || len(batch) == e.opts.PushBatchSize {
			break
		}
		batch = append(batch, m)
		ids = append(ids, m.ID)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := e.log.MarkInFlight(ctx, ids); err != nil {
		return nil, err
	}
	return batch, nil
}

// settle applies a push result. Mutations without an outcome go back to
// pending, unless the backend refused the request as invalid, in which
// case they are rejected with the error as reason.
func (e *Engine) settle(ctx context.Context, batch []*models.Mutation, res *models.PushResult, pushErr error) (*reconcile.Report, error) {
	if res == nil {
		res = &models.PushResult{}
	}
	if errors.Is(pushErr, common.ErrValidation) {
		outcomes := make(map[string]models.PushOutcome, len(batch))
		maps.Copy(outcomes, res.Outcomes)
		for _, m := range batch {
			if _, ok := outcomes[m.ID]; !ok {
				outcomes[m.ID] = models.PushOutcome{Status: models.PushRejected, Reason: pushErr.Error()}
			}
		}
		res = &models.PushResult{Version: res.Version, Outcomes: outcomes}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	report, err := e.rec.ApplyPushResult(ctx, batch, res)
	if err != nil {
		return nil, err
	}
	e.enqueueReport(report)
	return report, nil
}

func (e *Engine) pull(ctx context.Context) error {
	e.mu.Lock()
	v, ok := e.cache.Version()
	e.mu.Unlock()

	var since *int64
	if ok {
		since = &v
	}

	snap, err := e.transport.Pull(ctx, since)
	if err != nil {
		return err
	}

	e.mu.Lock()
	changes, err := e.rec.ApplySnapshot(ctx, snap)
	if err == nil {
		e.notifier.EnqueueChanges(changes)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.notifier.Drain()
	return nil
}

func (e *Engine) purge(ctx context.Context) {
	if e.opts.ConfirmedRetention <= 0 {
		return
	}
	e.mu.Lock()
	n, err := e.log.PurgeConfirmedOlderThan(ctx, e.opts.ConfirmedRetention)
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn(ctx, "purge of confirmed mutations failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug(ctx, "confirmed mutations purged", "count", n)
	}
}

// enqueueReport queues the changes and outcomes of a settled push. Called
// with e.mu held.
func (e *Engine) enqueueReport(r *reconcile.Report) {
	e.notifier.EnqueueChanges(r.Changes)

	events := make([]notifier.OutcomeEvent, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		events = append(events, notifier.OutcomeEvent{
			MutationID: o.MutationID,
			Entity:     o.Entity,
			Status:     o.Status,
			Reason:     o.Reason,
		})
	}
	e.notifier.EnqueueOutcomes(events)
}

package reconcile

import (
	"cmp"
	"context"
	"slices"

	"github.com/dmitrijs2005/petsync/internal/client/cache"
	"github.com/dmitrijs2005/petsync/internal/client/models"
)

// Outcome is the terminal or retry verdict on one pushed mutation.
type Outcome struct {
	MutationID string
	Entity     models.EntityKey
	Status     models.PushStatus
	Reason     string
}

// Report summarizes what applying a push result changed.
type Report struct {
	Changes  []cache.Change
	Outcomes []Outcome
}

// ApplyPushResult settles an in-flight batch. Accepted fields are written
// to the base layer with their server timestamps before the mutation is
// confirmed. A conflict first records the fields that were applied, then
// merges the server record like a remote change and retires the mutation.
// Rejected mutations are marked failed. Mutations the result does not
// mention go back to pending.
func (r *Reconciler) ApplyPushResult(ctx context.Context, batch []*models.Mutation, res *models.PushResult) (*Report, error) {
	batch = slices.Clone(batch)
	slices.SortFunc(batch, func(a, b *models.Mutation) int { return cmp.Compare(a.LocalSeq, b.LocalSeq) })

	report := &Report{}
	var (
		confirmed []string
		missing   []string
		touched   []models.EntityKey
	)

	for _, m := range batch {
		out, ok := res.Outcomes[m.ID]
		if !ok {
			missing = append(missing, m.ID)
			continue
		}
		touched = append(touched, m.Entity)

		switch out.Status {
		case models.PushAccepted:
			if err := r.confirmFields(ctx, m, out.FieldTimestamps); err != nil {
				return nil, err
			}
			confirmed = append(confirmed, m.ID)

		case models.PushConflict:
			if err := r.confirmFields(ctx, m, out.FieldTimestamps); err != nil {
				return nil, err
			}
			if out.ServerRecord != nil {
				rec := out.ServerRecord
				if _, err := r.resolve(ctx, incoming{entity: m.Entity, fields: rec.Fields, ts: rec.FieldTimestamps, writers: rec.FieldWriters}); err != nil {
					return nil, err
				}
				if _, err := r.cache.ApplyRecord(ctx, m.Entity, rec, r.log.Outstanding()); err != nil {
					return nil, err
				}
			}
			r.logger.Info(ctx, "ConflictResolved", "entity", m.Entity.String(), "mutation", m.ID, "reason", "superseded by server record")
			confirmed = append(confirmed, m.ID)

		case models.PushRejected:
			if err := r.log.MarkFailed(ctx, []string{m.ID}, out.Reason); err != nil {
				return nil, err
			}
			r.logger.Warn(ctx, "mutation rejected", "entity", m.Entity.String(), "mutation", m.ID, "reason", out.Reason)

		default:
			missing = append(missing, m.ID)
			continue
		}
		report.Outcomes = append(report.Outcomes, Outcome{MutationID: m.ID, Entity: m.Entity, Status: out.Status, Reason: out.Reason})
	}

	if err := r.log.MarkConfirmed(ctx, confirmed); err != nil {
		return nil, err
	}
	if err := r.Requeue(ctx, missing, "no outcome from backend"); err != nil {
		return nil, err
	}

	report.Changes = r.cache.Refresh(touched, r.log.Outstanding())
	return report, nil
}

// Requeue sends in-flight mutations back to pending through failed, as
// after a transport error.
func (r *Reconciler) Requeue(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.log.MarkFailed(ctx, ids, reason); err != nil {
		return err
	}
	return r.log.Requeue(ctx, ids)
}

// confirmFields writes the accepted fields of m to the base layer, credited
// to this device, and remembers their timestamps.
func (r *Reconciler) confirmFields(ctx context.Context, m *models.Mutation, ts models.FieldTimestamps) error {
	if len(ts) == 0 {
		return nil
	}

	u := cache.Update{
		Entity:     m.Entity,
		Fields:     make(map[string]any, len(ts)),
		Timestamps: make(models.FieldTimestamps, len(ts)),
		Writers:    make(models.FieldWriters, len(ts)),
	}
	for _, f := range models.SortedKeys(ts) {
		v, ok := m.Patch[f]
		if !ok {
			continue
		}
		u.Fields[f] = v
		u.Timestamps[f] = ts[f]
		u.Writers[f] = r.deviceID
		r.advance(m.Entity, f, ts[f])
	}

	_, err := r.cache.ApplyConfirmed(ctx, u, r.log.Outstanding())
	return err
}

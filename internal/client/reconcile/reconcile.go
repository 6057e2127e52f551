// Package reconcile merges remote state into the local cache while local
// mutations are outstanding, and applies push outcomes.
//
// Per field, with a pending local write on that field:
//   - remote timestamp older than this device's last confirmed write: the
//     local value stays;
//   - remote timestamp newer: the remote value wins and the field is dropped
//     from the pending mutations;
//   - equal timestamps from another writer: the greater device id wins.
//
// Fields without a pending write take the remote value directly. Fields are
// visited in sorted order so the outcome never depends on map iteration.
package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/petsync/internal/client/cache"
	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/mutlog"
	"github.com/dmitrijs2005/petsync/internal/logging"
)

// Granularity selects whether conflicts are decided per field or per record.
type Granularity string

const (
	GranularityField  Granularity = "field"
	GranularityRecord Granularity = "record"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", GranularityField:
		return GranularityField, nil
	case GranularityRecord:
		return GranularityRecord, nil
	default:
		return "", fmt.Errorf("unknown conflict granularity %q", s)
	}
}

type Reconciler struct {
	deviceID    string
	granularity Granularity
	log         *mutlog.Log
	cache       *cache.Cache
	logger      logging.Logger

	// pushed holds the newest server timestamp this device has had accepted
	// per field, beyond what the base layer already credits to it.
	pushed map[models.EntityKey]models.FieldTimestamps
}

func New(deviceID string, g Granularity, log *mutlog.Log, c *cache.Cache, l logging.Logger) *Reconciler {
	if g == "" {
		g = GranularityField
	}
	return &Reconciler{
		deviceID:    deviceID,
		granularity: g,
		log:         log,
		cache:       c,
		logger:      l.With("module", "reconcile"),
		pushed:      make(map[models.EntityKey]models.FieldTimestamps),
	}
}

// incoming is authoritative state for one entity, with the writer of
// every field.
type incoming struct {
	entity  models.EntityKey
	fields  map[string]any
	ts      models.FieldTimestamps
	writers models.FieldWriters
}

// ApplyRemoteChange merges one change notification.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, ch models.RemoteChange) ([]cache.Change, error) {
	writers := make(models.FieldWriters, len(ch.Patch))
	for f := range ch.Patch {
		writers[f] = ch.OriginDeviceID
	}

	touched, err := r.resolve(ctx, incoming{entity: ch.Entity, fields: ch.Patch, ts: ch.FieldTimestamps, writers: writers})
	if err != nil {
		return nil, err
	}

	changes, err := r.cache.ApplyRemoteChange(ctx, ch, r.log.Outstanding())
	if err != nil {
		return nil, err
	}
	return r.withRefresh(changes, touched), nil
}

// ApplySnapshot merges a pulled snapshot.
func (r *Reconciler) ApplySnapshot(ctx context.Context, s *models.StateSnapshot) ([]cache.Change, error) {
	var touched []models.EntityKey
	for _, key := range sortedEntities(s.Entities) {
		rec := s.Entities[key]
		t, err := r.resolve(ctx, incoming{entity: key, fields: rec.Fields, ts: rec.FieldTimestamps, writers: rec.FieldWriters})
		if err != nil {
			return nil, err
		}
		touched = append(touched, t...)
	}

	changes, err := r.cache.ApplySnapshot(ctx, s, r.log.Outstanding())
	if err != nil {
		return nil, err
	}
	return r.withRefresh(changes, touched), nil
}

// resolve applies the merge rules to the pending mutations of one entity,
// dropping the fields remote writers won. It must run before the incoming
// state reaches the cache, since it compares against the current base.
func (r *Reconciler) resolve(ctx context.Context, in incoming) ([]models.EntityKey, error) {
	fresh := r.freshFields(in)
	if len(fresh) == 0 {
		return nil, nil
	}

	var remote []string
	for _, f := range fresh {
		if in.writers[f] == r.deviceID {
			r.advance(in.entity, f, in.ts[f])
			continue
		}
		remote = append(remote, f)
	}
	if len(remote) == 0 {
		return nil, nil
	}

	outstanding := r.log.ForEntity(in.entity)
	if len(outstanding) == 0 {
		return nil, nil
	}

	var lost []string
	if r.granularity == GranularityRecord {
		lost = r.recordLosers(in, remote, outstanding)
	} else {
		for _, f := range remote {
			if !anyTouches(outstanding, f) {
				continue
			}
			if r.remoteWins(in.entity, f, in.ts[f], in.writers[f]) {
				lost = append(lost, f)
			}
		}
	}
	if len(lost) == 0 {
		return nil, nil
	}

	if err := r.dropFields(ctx, in, lost, outstanding); err != nil {
		return nil, err
	}
	return []models.EntityKey{in.entity}, nil
}

// freshFields lists, in sorted order, the incoming fields that are new to
// the base layer. Anything else is a repeated delivery.
func (r *Reconciler) freshFields(in incoming) []string {
	var out []string
	for _, f := range models.SortedKeys(in.fields) {
		baseTS, baseWriter := r.cache.BaseField(in.entity, f)
		ts, writer := in.ts[f], in.writers[f]
		if baseTS > 0 && (ts < baseTS || ts == baseTS && writer <= baseWriter) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (r *Reconciler) remoteWins(key models.EntityKey, field string, ts int64, writer string) bool {
	pushed := r.pushedTS(key, field)
	switch {
	case ts < pushed:
		return false
	case ts == pushed:
		return writer > r.deviceID
	default:
		return true
	}
}

// recordLosers compares one timestamp per record: the newest incoming
// field against the newest write this device had confirmed on the record.
// When the remote side wins, every pending field of the entity is lost.
func (r *Reconciler) recordLosers(in incoming, remote []string, outstanding []*models.Mutation) []string {
	var remoteTS int64
	var remoteWriter string
	for _, f := range remote {
		if ts := in.ts[f]; ts > remoteTS || ts == remoteTS && in.writers[f] > remoteWriter {
			remoteTS, remoteWriter = ts, in.writers[f]
		}
	}

	var pushed int64
	base := r.cache.Base(in.entity)
	if base != nil {
		for f := range base.FieldTimestamps {
			pushed = max(pushed, r.pushedTS(in.entity, f))
		}
	}
	for _, ts := range r.pushed[in.entity] {
		pushed = max(pushed, ts)
	}

	if remoteTS < pushed || remoteTS == pushed && remoteWriter <= r.deviceID {
		return nil
	}

	var lost []string
	for _, m := range outstanding {
		for f := range m.EffectivePatch() {
			if !slices.Contains(lost, f) {
				lost = append(lost, f)
			}
		}
	}
	slices.Sort(lost)
	return lost
}

func (r *Reconciler) dropFields(ctx context.Context, in incoming, lost []string, outstanding []*models.Mutation) error {
	var exhausted []string
	for _, m := range outstanding {
		var fields []string
		for _, f := range lost {
			if m.Touches(f) {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			continue
		}

		empty, err := r.log.DropFields(ctx, m.ID, fields)
		if err != nil {
			return err
		}
		for _, f := range fields {
			r.logger.Info(ctx, "ConflictResolved",
				"entity", in.entity.String(),
				"field", f,
				"mutation", m.ID,
				"remote_ts", in.ts[f],
				"remote_writer", in.writers[f],
				"local_confirmed_ts", r.pushedTS(in.entity, f))
		}
		if empty && m.Status == models.StatusPending {
			exhausted = append(exhausted, m.ID)
		}
	}

	// In-flight mutations are retired when their push outcome arrives.
	return r.log.Retire(ctx, exhausted)
}

// pushedTS is the newest timestamp the backend assigned to a write of
// field by this device.
func (r *Reconciler) pushedTS(key models.EntityKey, field string) int64 {
	ts := r.pushed[key][field]
	baseTS, baseWriter := r.cache.BaseField(key, field)
	if baseWriter == r.deviceID {
		ts = max(ts, baseTS)
	}
	return ts
}

func (r *Reconciler) advance(key models.EntityKey, field string, ts int64) {
	m, ok := r.pushed[key]
	if !ok {
		m = make(models.FieldTimestamps)
		r.pushed[key] = m
	}
	m[field] = max(m[field], ts)
}

// withRefresh recomputes entities whose pending mutations lost fields and
// folds the result into changes, one entry per entity.
func (r *Reconciler) withRefresh(changes []cache.Change, touched []models.EntityKey) []cache.Change {
	if len(touched) == 0 {
		return changes
	}
	return mergeChanges(changes, r.cache.Refresh(touched, r.log.Outstanding()))
}

func mergeChanges(a, b []cache.Change) []cache.Change {
	out := slices.Clone(a)
	for _, c := range b {
		i := slices.IndexFunc(out, func(x cache.Change) bool { return x.Entity == c.Entity })
		if i < 0 {
			out = append(out, c)
			continue
		}
		paths := out[i].ChangedPaths
		for _, p := range c.ChangedPaths {
			if !slices.Contains(paths, p) {
				paths = append(paths, p)
			}
		}
		out[i] = cache.Change{Entity: c.Entity, Record: c.Record, ChangedPaths: paths}
	}
	return out
}

func anyTouches(ms []*models.Mutation, field string) bool {
	return slices.ContainsFunc(ms, func(m *models.Mutation) bool { return m.Touches(field) })
}

func sortedEntities(m map[models.EntityKey]*models.VersionedRecord) []models.EntityKey {
	keys := make([]models.EntityKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, models.EntityKey.Compare)
	return keys
}

// Package cache is the local state cache: an authoritative base layer
// (the last observed remote state, persisted) and a view layer that the
// UI reads, derived from the base by replaying outstanding mutations.
//
// The view is never a source of truth. Every update recomputes it for the
// affected entities only, via Materialize. A Cache is not safe for
// concurrent use; the engine serializes access to it.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/petsync/internal/dbx"
	"github.com/dmitrijs2005/petsync/internal/logging"
)

const versionKey = "snapshot_version"

// Change reports an entity whose visible state changed. Record is nil when
// the entity is no longer known.
type Change struct {
	Entity       models.EntityKey
	Record       *models.VersionedRecord
	ChangedPaths []string
}

// Update is one authoritative write to the base layer. Writers gives the
// device credited with each field.
type Update struct {
	Entity        models.EntityKey
	Fields        map[string]any
	Timestamps    models.FieldTimestamps
	Writers       models.FieldWriters
	RemoteVersion int64
}

type Cache struct {
	db     *sql.DB
	scope  string
	logger logging.Logger

	base       map[models.EntityKey]*models.VersionedRecord
	view       map[models.EntityKey]*models.VersionedRecord
	version    int64
	hasVersion bool
}

// Open loads the persisted base layer of scope and builds the view from it
// and the outstanding mutations.
func Open(ctx context.Context, db *sql.DB, scope string, outstanding []*models.Mutation, l logging.Logger) (*Cache, error) {
	base, err := records.NewSQLiteRepository(db).List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	version, ok, err := metadata.NewSQLiteRepository(db).GetInt(ctx, scope, versionKey)
	if err != nil {
		return nil, fmt.Errorf("load snapshot version: %w", err)
	}

	c := &Cache{
		db:         db,
		scope:      scope,
		logger:     l.With("module", "cache"),
		base:       base,
		view:       make(map[models.EntityKey]*models.VersionedRecord),
		version:    version,
		hasVersion: ok,
	}

	keys := make([]models.EntityKey, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	c.Refresh(keys, outstanding)
	return c, nil
}

// Read returns a copy of the visible record, or false if the entity is
// unknown.
func (c *Cache) Read(key models.EntityKey) (*models.VersionedRecord, bool) {
	r, ok := c.view[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Base returns a copy of the authoritative record, or nil.
func (c *Cache) Base(key models.EntityKey) *models.VersionedRecord {
	return c.base[key].Clone()
}

// BaseField returns the authoritative timestamp and writer of one field.
func (c *Cache) BaseField(key models.EntityKey, field string) (int64, string) {
	r, ok := c.base[key]
	if !ok {
		return 0, ""
	}
	return r.FieldTimestamps[field], r.FieldWriters[field]
}

// Version returns the version of the last applied snapshot, and false
// before the first pull.
func (c *Cache) Version() (int64, bool) {
	return c.version, c.hasVersion
}

// Keys lists the visible entities in a stable order.
func (c *Cache) Keys() []models.EntityKey {
	keys := make([]models.EntityKey, 0, len(c.view))
	for k := range c.view {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, models.EntityKey.Compare)
	return keys
}

// Refresh recomputes the view of keys from the base layer and outstanding
// mutations, e.g. after an enqueue or after fields were dropped.
func (c *Cache) Refresh(keys []models.EntityKey, outstanding []*models.Mutation) []Change {
	pending := groupByEntity(outstanding)

	keys = slices.Clone(keys)
	slices.SortFunc(keys, models.EntityKey.Compare)
	keys = slices.Compact(keys)

	var changes []Change
	for _, k := range keys {
		before := c.view[k]
		after := Materialize(c.base[k], pending[k])
		if after == nil {
			delete(c.view, k)
		} else {
			c.view[k] = after
		}
		if paths, changed := changedPaths(before, after); changed {
			changes = append(changes, Change{Entity: k, Record: after.Clone(), ChangedPaths: paths})
		}
	}
	return changes
}

// ApplySnapshot merges a pulled snapshot into the base layer. A full
// snapshot also removes entities it does not list. Per field, an incoming
// value only replaces the base when its timestamp is newer, which makes
// repeated delivery harmless.
func (c *Cache) ApplySnapshot(ctx context.Context, s *models.StateSnapshot, outstanding []*models.Mutation) ([]Change, error) {
	updates := make([]Update, 0, len(s.Entities))
	for k, r := range s.Entities {
		updates = append(updates, Update{
			Entity:        k,
			Fields:        r.Fields,
			Timestamps:    r.FieldTimestamps,
			Writers:       r.FieldWriters,
			RemoteVersion: r.RemoteVersion,
		})
	}

	var removed []models.EntityKey
	if s.Full {
		for k := range c.base {
			if _, ok := s.Entities[k]; !ok {
				removed = append(removed, k)
			}
		}
	}

	version := s.Version
	if !s.Full && c.hasVersion {
		version = max(version, c.version)
	}
	return c.apply(ctx, updates, removed, &version, outstanding)
}

// ApplyRemoteChange merges one change notification. The snapshot version
// advances only when the change directly follows it; a gap is left for the
// next pull to fill.
func (c *Cache) ApplyRemoteChange(ctx context.Context, ch models.RemoteChange, outstanding []*models.Mutation) ([]Change, error) {
	writers := make(models.FieldWriters, len(ch.Patch))
	for f := range ch.Patch {
		writers[f] = ch.OriginDeviceID
	}
	u := Update{
		Entity:        ch.Entity,
		Fields:        ch.Patch,
		Timestamps:    ch.FieldTimestamps,
		Writers:       writers,
		RemoteVersion: ch.RemoteVersion,
	}

	var version *int64
	if c.hasVersion && ch.Version == c.version+1 {
		version = &ch.Version
	}
	return c.apply(ctx, []Update{u}, nil, version, outstanding)
}

// AdvanceVersion moves the snapshot version to v when v directly follows
// it, for change notifications whose content is already known.
func (c *Cache) AdvanceVersion(ctx context.Context, v int64) error {
	if !c.hasVersion || v != c.version+1 {
		return nil
	}
	_, err := c.apply(ctx, nil, nil, &v, nil)
	return err
}

// ApplyConfirmed records fields the backend accepted from this device.
func (c *Cache) ApplyConfirmed(ctx context.Context, u Update, outstanding []*models.Mutation) ([]Change, error) {
	return c.apply(ctx, []Update{u}, nil, nil, outstanding)
}

// ApplyRecord merges a server record returned outside a pull, such as the
// current state attached to a push conflict.
func (c *Cache) ApplyRecord(ctx context.Context, key models.EntityKey, rec *models.VersionedRecord, outstanding []*models.Mutation) ([]Change, error) {
	u := Update{
		Entity:        key,
		Fields:        rec.Fields,
		Timestamps:    rec.FieldTimestamps,
		Writers:       rec.FieldWriters,
		RemoteVersion: rec.RemoteVersion,
	}
	return c.apply(ctx, []Update{u}, nil, nil, outstanding)
}

func (c *Cache) apply(ctx context.Context, updates []Update, removed []models.EntityKey, version *int64, outstanding []*models.Mutation) ([]Change, error) {
	next := make(map[models.EntityKey]*models.VersionedRecord)
	for _, u := range updates {
		cur, ok := next[u.Entity]
		if !ok {
			cur = c.base[u.Entity]
		}
		if merged, changed := mergeRecord(cur, u); changed {
			next[u.Entity] = merged
		}
	}

	versionChanged := version != nil && (!c.hasVersion || *version != c.version)
	if len(next) == 0 && len(removed) == 0 && !versionChanged {
		return nil, nil
	}

	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := records.NewSQLiteRepository(tx)
		for k, r := range next {
			if err := repo.Put(ctx, c.scope, k, r); err != nil {
				return err
			}
		}
		for _, k := range removed {
			if err := repo.Delete(ctx, c.scope, k); err != nil {
				return err
			}
		}
		if versionChanged {
			return metadata.NewSQLiteRepository(tx).SetInt(ctx, c.scope, versionKey, *version)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	affected := make([]models.EntityKey, 0, len(next)+len(removed))
	for k, r := range next {
		c.base[k] = r
		affected = append(affected, k)
	}
	for _, k := range removed {
		delete(c.base, k)
		affected = append(affected, k)
	}
	if versionChanged {
		c.version, c.hasVersion = *version, true
	}

	return c.Refresh(affected, outstanding), nil
}

// mergeRecord folds u into a copy of cur. A field is taken when its
// timestamp is newer, or equal with a greater writer id.
func mergeRecord(cur *models.VersionedRecord, u Update) (*models.VersionedRecord, bool) {
	var out *models.VersionedRecord
	changed := false
	if cur == nil {
		out = models.NewRecord()
		changed = true
	} else {
		out = cur.Clone()
	}

	for _, f := range models.SortedKeys(u.Fields) {
		ts := u.Timestamps[f]
		writer := u.Writers[f]
		curTS, known := out.FieldTimestamps[f]
		if known && (ts < curTS || ts == curTS && writer <= out.FieldWriters[f]) {
			continue
		}
		out.SetField(f, models.CloneValue(u.Fields[f]), ts, writer)
		changed = true
	}

	if u.RemoteVersion > out.RemoteVersion {
		out.RemoteVersion = u.RemoteVersion
		changed = true
	}
	return out, changed
}

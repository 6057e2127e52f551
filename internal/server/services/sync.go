// Package services contains the backend business logic. SyncService applies
// pushed mutations to the authoritative store, serves pulls and hands out
// change subscriptions.
package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/dmitrijs2005/petsync/internal/server/archive"
	"github.com/dmitrijs2005/petsync/internal/server/hub"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/dmitrijs2005/petsync/internal/server/store"
	"github.com/dmitrijs2005/petsync/internal/wire"
)

type Options struct {
	// ArchiveThreshold is the record count from which a full snapshot is
	// offloaded to the archiver. Zero disables offloading.
	ArchiveThreshold int
	// Archiver is optional.
	Archiver archive.Archiver
	// Now returns the server time; used for field timestamps.
	Now    func() time.Time
	Logger logging.Logger
}

type SyncService struct {
	store store.Store
	hub   *hub.Hub
	opts  Options
	log   logging.Logger
}

func NewSyncService(st store.Store, h *hub.Hub, opts Options) *SyncService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &SyncService{store: st, hub: h, opts: opts, log: opts.Logger.With("module", "sync")}
}

// Push applies each mutation in its own transaction, in order. A storage
// failure aborts the rest of the batch; results of the mutations applied
// before it are durable and replayed on resubmission.
func (s *SyncService) Push(ctx context.Context, userID, deviceID string, batch []*models.Mutation) ([]*models.Result, int64, error) {
	results := make([]*models.Result, 0, len(batch))
	for _, m := range batch {
		if m.DeviceID == "" {
			m.DeviceID = deviceID
		}
		res, err := s.apply(ctx, userID, m)
		if err != nil {
			return nil, 0, fmt.Errorf("apply mutation %s: %w", m.ID, err)
		}
		results = append(results, res)
	}

	version, err := s.store.Version(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return results, version, nil
}

func (s *SyncService) apply(ctx context.Context, userID string, m *models.Mutation) (*models.Result, error) {
	if m.ID == "" {
		// nothing to remember the verdict under
		return rejected(m, "missing mutation id"), nil
	}

	var (
		res    *models.Result
		ev     *models.ChangeEvent
		replay bool
	)
	err := s.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		res, ev, replay = nil, nil, false

		prev, err := tx.Applied(ctx, m.ID)
		if err == nil {
			res, replay = prev, true
			return nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}

		if reason := validate(m); reason != "" {
			res = rejected(m, reason)
			return tx.SaveResult(ctx, res)
		}

		rec, err := tx.LockRecord(ctx, m.Kind, m.EntityID)
		if errors.Is(err, common.ErrNotFound) {
			rec = models.NewRecord(userID, m.Kind, m.EntityID)
		} else if err != nil {
			return err
		}

		res, ev, err = s.merge(ctx, tx, userID, rec, m)
		if err != nil {
			return err
		}
		return tx.SaveResult(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		s.log.Debug(ctx, "mutation replayed", "user", userID, "mutation", m.ID, "status", res.Status)
		return res, nil
	}
	if ev != nil && s.hub != nil {
		s.hub.Publish(*ev)
	}
	if res.Status != models.StatusAccepted {
		s.log.Info(ctx, "mutation not fully applied", "user", userID, "mutation", m.ID, "status", res.Status, "reason", res.Reason)
	}
	return res, nil
}

// merge writes the fields of m whose stored timestamp is not newer than the
// timestamp m was based on. A field last written by the device of m is
// always written: a device's mutations of one entity arrive in local order,
// so its later edit supersedes its earlier one. The other fields are
// reported as a conflict together with the authoritative record.
func (s *SyncService) merge(ctx context.Context, tx store.Tx, userID string, rec *models.Record, m *models.Mutation) (*models.Result, *models.ChangeEvent, error) {
	var apply, conflicts []string
	for _, f := range slices.Sorted(maps.Keys(m.Patch)) {
		if rec.FieldTimestamps[f] > m.BaseTimestamps[f] && rec.FieldWriters[f] != m.DeviceID {
			conflicts = append(conflicts, f)
		} else {
			apply = append(apply, f)
		}
	}

	res := &models.Result{MutationID: m.ID, Status: models.StatusAccepted, FieldTimestamps: map[string]int64{}}
	var ev *models.ChangeEvent

	if len(apply) > 0 {
		version, err := tx.NextVersion(ctx)
		if err != nil {
			return nil, nil, err
		}
		ts := max(s.opts.Now().UnixMilli(), rec.LastTimestamp()+1)

		patch := make(map[string]any, len(apply))
		for _, f := range apply {
			rec.Fields[f] = m.Patch[f]
			rec.FieldTimestamps[f] = ts
			rec.FieldWriters[f] = m.DeviceID
			patch[f] = m.Patch[f]
			res.FieldTimestamps[f] = ts
		}
		rec.Revision++
		rec.Version = version
		if err := tx.PutRecord(ctx, rec); err != nil {
			return nil, nil, err
		}

		res.Version = version
		ev = &models.ChangeEvent{
			UserID:          userID,
			Version:         version,
			Kind:            rec.Kind,
			EntityID:        rec.EntityID,
			Patch:           patch,
			FieldTimestamps: maps.Clone(res.FieldTimestamps),
			OriginDeviceID:  m.DeviceID,
			Revision:        rec.Revision,
		}
	}

	if len(conflicts) > 0 {
		res.Status = models.StatusConflict
		res.Reason = fmt.Sprintf("newer server value for %v", conflicts)
		res.Record = rec.Clone()
	}
	return res, ev, nil
}

func rejected(m *models.Mutation, reason string) *models.Result {
	return &models.Result{MutationID: m.ID, Status: models.StatusRejected, Reason: reason}
}

// Snapshot is the answer to a pull: inline records, or an archive URL when
// a full snapshot was offloaded.
type Snapshot struct {
	Version         int64
	Full            bool
	Records         []*models.Record
	ArchiveURL      string
	ArchiveChecksum string
}

// Pull returns the records written after since. A nil since, a non-positive
// one or one ahead of the store yields a full snapshot.
func (s *SyncService) Pull(ctx context.Context, userID string, since *int64) (*Snapshot, error) {
	from := int64(0)
	full := since == nil || *since <= 0
	if !full {
		current, err := s.store.Version(ctx, userID)
		if err != nil {
			return nil, err
		}
		if *since > current {
			s.log.Warn(ctx, "client ahead of store, sending full snapshot", "user", userID, "since", *since, "version", current)
			full = true
		} else {
			from = *since
		}
	}

	recs, version, err := s.store.Changes(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Version: version, Full: full, Records: recs}

	if full && s.opts.Archiver != nil && s.opts.ArchiveThreshold > 0 && len(recs) >= s.opts.ArchiveThreshold {
		if err := s.offload(ctx, userID, snap); err != nil {
			// inline records still answer the pull
			s.log.Error(ctx, "snapshot archive failed", "user", userID, "records", len(recs), "error", err)
		}
	}
	return snap, nil
}

func (s *SyncService) offload(ctx context.Context, userID string, snap *Snapshot) error {
	a := &wire.Archive{Version: snap.Version, Records: make([]*wire.Record, 0, len(snap.Records))}
	for _, r := range snap.Records {
		a.Records = append(a.Records, r.ToWire())
	}
	data, sum, err := wire.EncodeArchive(a)
	if err != nil {
		return err
	}
	url, err := s.opts.Archiver.Put(ctx, userID, data)
	if err != nil {
		return err
	}

	s.log.Info(ctx, "snapshot offloaded", "user", userID, "records", len(snap.Records), "bytes", len(data))
	snap.Records = nil
	snap.ArchiveURL, snap.ArchiveChecksum = url, sum
	return nil
}

// Subscribe opens a change subscription for userID. The caller must Close
// it.
func (s *SyncService) Subscribe(userID string) *hub.Subscription {
	return s.hub.Subscribe(userID)
}

func (s *SyncService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

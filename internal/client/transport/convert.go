package transport

import (
	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/wire"
)

func toWireMutation(m *models.Mutation) *wire.Mutation {
	base := make(map[string]int64)
	patch := m.EffectivePatch()
	for f := range patch {
		base[f] = m.BaseTimestamps[f]
	}
	return &wire.Mutation{
		ID:              m.ID,
		EntityKind:      m.Entity.Kind,
		EntityID:        m.Entity.ID,
		Patch:           patch,
		BaseTimestamps:  base,
		LocalSeq:        m.LocalSeq,
		ClientTimestamp: m.ClientTimestamp.UnixMilli(),
		DeviceID:        m.DeviceID,
	}
}

func fromWireRecord(r *wire.Record) (models.EntityKey, *models.VersionedRecord) {
	key := models.EntityKey{Kind: r.EntityKind, ID: r.EntityID}
	rec := models.NewRecord()
	for f, v := range r.Fields {
		rec.SetField(f, v, r.FieldTimestamps[f], r.FieldWriters[f])
	}
	rec.RemoteVersion = r.RemoteVersion
	return key, rec
}

func fromWireResult(res *wire.MutationResult) models.PushOutcome {
	out := models.PushOutcome{
		Status:          models.PushStatus(res.Status),
		FieldTimestamps: models.FieldTimestamps(res.FieldTimestamps),
		Reason:          res.Reason,
	}
	if res.Record != nil {
		_, out.ServerRecord = fromWireRecord(res.Record)
	}
	return out
}

func fromWireEvent(ev *wire.ChangeEvent) models.RemoteChange {
	return models.RemoteChange{
		Entity:          models.EntityKey{Kind: ev.EntityKind, ID: ev.EntityID},
		Patch:           models.Patch(ev.Patch),
		FieldTimestamps: models.FieldTimestamps(ev.FieldTimestamps),
		OriginDeviceID:  ev.OriginDeviceID,
		RemoteVersion:   ev.RemoteVersion,
		Version:         ev.Version,
	}
}

func snapshotFromRecords(version int64, full bool, records []*wire.Record) *models.StateSnapshot {
	s := &models.StateSnapshot{
		Version:  version,
		Full:     full,
		Entities: make(map[models.EntityKey]*models.VersionedRecord, len(records)),
	}
	for _, r := range records {
		key, rec := fromWireRecord(r)
		s.Entities[key] = rec
	}
	return s
}

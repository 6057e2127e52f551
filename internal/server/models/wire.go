package models

import "github.com/dmitrijs2005/petsync/internal/wire"

func MutationFromWire(m *wire.Mutation) *Mutation {
	return &Mutation{
		ID:              m.ID,
		Kind:            m.EntityKind,
		EntityID:        m.EntityID,
		Patch:           m.Patch,
		BaseTimestamps:  m.BaseTimestamps,
		DeviceID:        m.DeviceID,
		LocalSeq:        m.LocalSeq,
		ClientTimestamp: m.ClientTimestamp,
	}
}

func (r *Record) ToWire() *wire.Record {
	return &wire.Record{
		EntityKind:      r.Kind,
		EntityID:        r.EntityID,
		Fields:          r.Fields,
		FieldTimestamps: r.FieldTimestamps,
		FieldWriters:    r.FieldWriters,
		RemoteVersion:   r.Revision,
	}
}

func (r *Result) ToWire() *wire.MutationResult {
	out := &wire.MutationResult{
		MutationID:      r.MutationID,
		Status:          string(r.Status),
		FieldTimestamps: r.FieldTimestamps,
		Reason:          r.Reason,
	}
	if r.Record != nil {
		out.Record = r.Record.ToWire()
	}
	return out
}

func (e *ChangeEvent) ToWire() *wire.ChangeEvent {
	return &wire.ChangeEvent{
		Version:         e.Version,
		EntityKind:      e.Kind,
		EntityID:        e.EntityID,
		Patch:           e.Patch,
		FieldTimestamps: e.FieldTimestamps,
		OriginDeviceID:  e.OriginDeviceID,
		RemoteVersion:   e.Revision,
	}
}

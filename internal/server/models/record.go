// Package models defines the server-side data models of the authoritative
// store.
package models

import "maps"

// Record is the authoritative state of one entity of one user.
type Record struct {
	UserID   string
	Kind     string
	EntityID string

	Fields          map[string]any
	FieldTimestamps map[string]int64
	// FieldWriters holds the device that wrote each field.
	FieldWriters map[string]string

	// Revision counts writes to this record.
	Revision int64
	// Version is the user version assigned by the last write.
	Version int64
}

func NewRecord(userID, kind, entityID string) *Record {
	return &Record{
		UserID:          userID,
		Kind:            kind,
		EntityID:        entityID,
		Fields:          map[string]any{},
		FieldTimestamps: map[string]int64{},
		FieldWriters:    map[string]string{},
	}
}

// Clone copies the field maps. Field values are shared; they are never
// modified in place.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = maps.Clone(r.Fields)
	c.FieldTimestamps = maps.Clone(r.FieldTimestamps)
	c.FieldWriters = maps.Clone(r.FieldWriters)
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	if c.FieldTimestamps == nil {
		c.FieldTimestamps = map[string]int64{}
	}
	if c.FieldWriters == nil {
		c.FieldWriters = map[string]string{}
	}
	return &c
}

// LastTimestamp is the newest field timestamp of the record.
func (r *Record) LastTimestamp() int64 {
	var last int64
	for _, ts := range r.FieldTimestamps {
		last = max(last, ts)
	}
	return last
}

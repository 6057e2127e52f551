package models

// VersionedRecord is one entity's state: authoritative when it comes from
// a snapshot, merged with pending patches when it comes from the view.
type VersionedRecord struct {
	Fields          map[string]any
	FieldTimestamps FieldTimestamps
	FieldWriters    FieldWriters
	RemoteVersion   int64
}

func NewRecord() *VersionedRecord {
	return &VersionedRecord{
		Fields:          map[string]any{},
		FieldTimestamps: FieldTimestamps{},
		FieldWriters:    FieldWriters{},
	}
}

func (r *VersionedRecord) Clone() *VersionedRecord {
	if r == nil {
		return nil
	}
	c := NewRecord()
	for k, v := range r.Fields {
		c.Fields[k] = CloneValue(v)
	}
	for k, v := range r.FieldTimestamps {
		c.FieldTimestamps[k] = v
	}
	for k, v := range r.FieldWriters {
		c.FieldWriters[k] = v
	}
	c.RemoteVersion = r.RemoteVersion
	return c
}

// SetField writes one authoritative field.
func (r *VersionedRecord) SetField(field string, value any, ts int64, writer string) {
	r.Fields[field] = value
	r.FieldTimestamps[field] = ts
	if writer != "" {
		r.FieldWriters[field] = writer
	} else {
		delete(r.FieldWriters, field)
	}
}

// MaxTimestamp is the newest field timestamp of the record.
func (r *VersionedRecord) MaxTimestamp() int64 {
	var max int64
	for _, ts := range r.FieldTimestamps {
		if ts > max {
			max = ts
		}
	}
	return max
}

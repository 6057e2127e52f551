package models

// Mutation is one client write as received by the backend.
type Mutation struct {
	ID              string
	Kind            string
	EntityID        string
	Patch           map[string]any
	BaseTimestamps  map[string]int64
	DeviceID        string
	LocalSeq        int64
	ClientTimestamp int64
}

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusConflict Status = "conflict"
)

// Result is the verdict on one mutation. It is stored with the mutation id
// so a resubmission gets the same answer.
type Result struct {
	MutationID      string           `cbor:"mutation_id"`
	Status          Status           `cbor:"status"`
	FieldTimestamps map[string]int64 `cbor:"field_ts,omitempty"`
	Reason          string           `cbor:"reason,omitempty"`
	// Record is the authoritative record after a conflict.
	Record  *Record `cbor:"record,omitempty"`
	Version int64   `cbor:"version"`
}

// ChangeEvent tells subscribers of a user that an entity changed.
type ChangeEvent struct {
	UserID          string
	Version         int64
	Kind            string
	EntityID        string
	Patch           map[string]any
	FieldTimestamps map[string]int64
	OriginDeviceID  string
	Revision        int64
}

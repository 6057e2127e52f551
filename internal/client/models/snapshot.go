package models

// StateSnapshot is the remote view returned by one pull. Full snapshots
// list every entity; deltas list only the entities changed after the
// requested version. A snapshot is never modified after it is built.
type StateSnapshot struct {
	Version  int64
	Full     bool
	Entities map[EntityKey]*VersionedRecord
}

// RemoteChange is one entity-level change notification.
type RemoteChange struct {
	Entity          EntityKey
	Patch           Patch
	FieldTimestamps FieldTimestamps
	OriginDeviceID  string
	RemoteVersion   int64
	Version         int64
}

type PushStatus string

const (
	PushAccepted PushStatus = "accepted"
	PushRejected PushStatus = "rejected"
	PushConflict PushStatus = "conflict"
)

// PushOutcome is the backend's verdict on one mutation. FieldTimestamps
// holds the timestamps assigned to the fields that were applied, which for
// a conflict may be a subset of the patch.
type PushOutcome struct {
	Status          PushStatus
	FieldTimestamps FieldTimestamps
	Reason          string
	ServerRecord    *VersionedRecord
}

type PushResult struct {
	Version  int64
	Outcomes map[string]PushOutcome
}

// Package wire describes the petsync sync service as seen on the network:
// request and response messages, the gRPC service descriptor, a typed
// client, and the encoding of offloaded snapshot archives.
//
// Messages are plain Go structs encoded with the deterministic CBOR codec
// registered under the "cbor" content subtype.
package wire

// Push outcome statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusConflict = "conflict"
)

// Mutation is a single client write as sent to the backend.
type Mutation struct {
	ID              string           `cbor:"id"`
	EntityKind      string           `cbor:"entity_kind"`
	EntityID        string           `cbor:"entity_id"`
	Patch           map[string]any   `cbor:"patch"`
	BaseTimestamps  map[string]int64 `cbor:"base_ts,omitempty"`
	LocalSeq        int64            `cbor:"local_seq"`
	ClientTimestamp int64            `cbor:"client_ts"`
	DeviceID        string           `cbor:"device_id"`
}

type PushRequest struct {
	DeviceID  string      `cbor:"device_id"`
	Mutations []*Mutation `cbor:"mutations"`
}

// Record is the authoritative state of one entity.
type Record struct {
	EntityKind      string            `cbor:"entity_kind"`
	EntityID        string            `cbor:"entity_id"`
	Fields          map[string]any    `cbor:"fields"`
	FieldTimestamps map[string]int64  `cbor:"field_ts"`
	FieldWriters    map[string]string `cbor:"field_writers,omitempty"`
	RemoteVersion   int64             `cbor:"remote_version"`
}

type MutationResult struct {
	MutationID      string           `cbor:"mutation_id"`
	Status          string           `cbor:"status"`
	FieldTimestamps map[string]int64 `cbor:"field_ts,omitempty"`
	Reason          string           `cbor:"reason,omitempty"`
	Record          *Record          `cbor:"record,omitempty"`
}

type PushResponse struct {
	Results []*MutationResult `cbor:"results"`
	Version int64             `cbor:"version"`
}

// PullRequest asks for changes after SinceVersion. HasSince false requests
// a full snapshot.
type PullRequest struct {
	SinceVersion int64 `cbor:"since_version"`
	HasSince     bool  `cbor:"has_since"`
}

// PullResponse carries the records inline, or an ArchiveURL pointing at an
// archive produced by EncodeArchive when the snapshot was offloaded.
type PullResponse struct {
	Version         int64     `cbor:"version"`
	Full            bool      `cbor:"full"`
	Records         []*Record `cbor:"records,omitempty"`
	ArchiveURL      string    `cbor:"archive_url,omitempty"`
	ArchiveChecksum string    `cbor:"archive_checksum,omitempty"`
}

type SubscribeRequest struct {
	DeviceID string `cbor:"device_id"`
}

// ChangeEvent notifies a subscriber that an entity changed at Version.
type ChangeEvent struct {
	Version         int64            `cbor:"version"`
	EntityKind      string           `cbor:"entity_kind"`
	EntityID        string           `cbor:"entity_id"`
	Patch           map[string]any   `cbor:"patch"`
	FieldTimestamps map[string]int64 `cbor:"field_ts"`
	OriginDeviceID  string           `cbor:"origin_device_id"`
	RemoteVersion   int64            `cbor:"remote_version"`
}

type PingRequest struct{}

type PingResponse struct {
	Status string `cbor:"status"`
}

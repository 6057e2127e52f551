package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/server/hub"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/dmitrijs2005/petsync/internal/server/store"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nowMS = 1_700_000_000_000

type fakeArchiver struct {
	data []byte
	err  error
}

func (f *fakeArchiver) Put(ctx context.Context, userID string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.data = data
	return "https://objects.example/" + userID, nil
}

func newService(t *testing.T, opts Options) (*SyncService, *store.InMemory, *hub.Hub) {
	t.Helper()
	st := store.NewInMemory()
	h := hub.New(16, nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.UnixMilli(nowMS) }
	}
	return NewSyncService(st, h, opts), st, h
}

func mutation(id, entity string, patch map[string]any, base map[string]int64) *models.Mutation {
	return &models.Mutation{ID: id, Kind: "pet", EntityID: entity, Patch: patch, BaseTimestamps: base}
}

func push(t *testing.T, s *SyncService, device string, ms ...*models.Mutation) ([]*models.Result, int64) {
	t.Helper()
	res, v, err := s.Push(context.Background(), "alice", device, ms)
	require.NoError(t, err)
	require.Len(t, res, len(ms))
	return res, v
}

func TestPush_AcceptsAndAssignsServerTimestamps(t *testing.T) {
	s, _, _ := newService(t, Options{})

	res, v := push(t, s, "dev-a",
		mutation("m1", "rex", map[string]any{"name": "Rex", "age": int64(2)}, nil),
		mutation("m2", "rex", map[string]any{"age": int64(3)}, map[string]int64{"age": nowMS}),
	)

	assert.Equal(t, int64(2), v)
	assert.Equal(t, models.StatusAccepted, res[0].Status)
	assert.Equal(t, map[string]int64{"name": nowMS, "age": nowMS}, res[0].FieldTimestamps)
	// the clock did not move, so the second write is ordered after the first
	assert.Equal(t, map[string]int64{"age": nowMS + 1}, res[1].FieldTimestamps)

	snap, err := s.Pull(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	rec := snap.Records[0]
	assert.Equal(t, map[string]any{"name": "Rex", "age": int64(3)}, rec.Fields)
	assert.Equal(t, map[string]string{"name": "dev-a", "age": "dev-a"}, rec.FieldWriters)
	assert.Equal(t, int64(2), rec.Revision)
	assert.Equal(t, int64(2), rec.Version)
}

func TestPush_ResubmissionReplaysStoredResult(t *testing.T) {
	s, _, h := newService(t, Options{})
	sub := h.Subscribe("alice")
	defer sub.Close()

	m := mutation("m1", "rex", map[string]any{"name": "Rex"}, nil)
	first, v1 := push(t, s, "dev-a", m)
	<-sub.Events()

	again, v2 := push(t, s, "dev-a", mutation("m1", "rex", map[string]any{"name": "Rex"}, nil))

	assert.Equal(t, first, again)
	assert.Equal(t, v1, v2)
	assert.Empty(t, sub.Events(), "a replay must not publish again")
}

func TestPush_Rejections(t *testing.T) {
	s, _, _ := newService(t, Options{})

	tests := []struct {
		name   string
		m      *models.Mutation
		reason string
	}{
		{"no id", mutation("", "rex", map[string]any{"a": 1}, nil), "missing mutation id"},
		{"empty kind", &models.Mutation{ID: "m1", EntityID: "rex", Patch: map[string]any{"a": 1}}, "entity kind is empty"},
		{"slash in kind", &models.Mutation{ID: "m2", Kind: "a/b", EntityID: "rex", Patch: map[string]any{"a": 1}}, "must not contain"},
		{"empty id", &models.Mutation{ID: "m3", Kind: "pet", Patch: map[string]any{"a": 1}}, "entity id is empty"},
		{"empty patch", mutation("m4", "rex", nil, nil), "empty patch"},
		{"empty field", mutation("m5", "rex", map[string]any{"": 1}, nil), "field name is empty"},
		{"long field", mutation("m6", "rex", map[string]any{strings.Repeat("f", 300): 1}, nil), "longer than"},
		{"negative base", mutation("m7", "rex", map[string]any{"a": 1}, map[string]int64{"a": -1}), "negative base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := push(t, s, "dev-a", tt.m)
			assert.Equal(t, models.StatusRejected, res[0].Status)
			assert.Contains(t, res[0].Reason, tt.reason)
		})
	}

	v, err := s.store.Version(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestPush_PerFieldConflict(t *testing.T) {
	s, _, h := newService(t, Options{})

	res, _ := push(t, s, "dev-b", mutation("m1", "rex", map[string]any{"name": "Rex", "age": int64(2)}, nil))
	written := res[0].FieldTimestamps["name"]

	sub := h.Subscribe("alice")
	defer sub.Close()

	// dev-a never saw the write of "name" but "mood" is new
	res, v := push(t, s, "dev-a", mutation("m2", "rex",
		map[string]any{"name": "Max", "mood": "happy"},
		map[string]int64{"name": 0, "mood": 0}))

	got := res[0]
	assert.Equal(t, models.StatusConflict, got.Status)
	assert.Equal(t, map[string]int64{"mood": written + 1}, got.FieldTimestamps)
	require.NotNil(t, got.Record)
	assert.Equal(t, "Rex", got.Record.Fields["name"])
	assert.Equal(t, "happy", got.Record.Fields["mood"])
	assert.Equal(t, int64(2), v)

	ev := <-sub.Events()
	want := models.ChangeEvent{
		UserID:          "alice",
		Version:         2,
		Kind:            "pet",
		EntityID:        "rex",
		Patch:           map[string]any{"mood": "happy"},
		FieldTimestamps: map[string]int64{"mood": written + 1},
		OriginDeviceID:  "dev-a",
		Revision:        2,
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestPush_SameDeviceEditsSupersedeEachOther(t *testing.T) {
	s, _, _ := newService(t, Options{})

	// two unconfirmed edits of one field, both based on the empty record
	res, v := push(t, s, "dev-a",
		mutation("m1", "rex", map[string]any{"happiness": int64(80)}, map[string]int64{"happiness": 0}),
		mutation("m2", "rex", map[string]any{"happiness": int64(90)}, map[string]int64{"happiness": 0}),
	)
	assert.Equal(t, models.StatusAccepted, res[0].Status)
	assert.Equal(t, models.StatusAccepted, res[1].Status)
	assert.Equal(t, map[string]int64{"happiness": nowMS + 1}, res[1].FieldTimestamps)
	assert.Equal(t, int64(2), v)

	// a later offline edit from the same device still lands
	res, _ = push(t, s, "dev-a", mutation("m3", "rex", map[string]any{"happiness": int64(95)}, nil))
	assert.Equal(t, models.StatusAccepted, res[0].Status)

	// another device with the same stale base does not
	res, _ = push(t, s, "dev-b", mutation("m4", "rex", map[string]any{"happiness": int64(10)}, nil))
	assert.Equal(t, models.StatusConflict, res[0].Status)

	snap, err := s.Pull(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, int64(95), snap.Records[0].Fields["happiness"])
	assert.Equal(t, "dev-a", snap.Records[0].FieldWriters["happiness"])
}

func TestPush_FullConflictDoesNotBumpVersion(t *testing.T) {
	s, _, _ := newService(t, Options{})

	push(t, s, "dev-b", mutation("m1", "rex", map[string]any{"name": "Rex"}, nil))
	res, v := push(t, s, "dev-a", mutation("m2", "rex", map[string]any{"name": "Max"}, nil))

	assert.Equal(t, models.StatusConflict, res[0].Status)
	assert.Empty(t, res[0].FieldTimestamps)
	assert.Equal(t, int64(1), v)
}

func TestPush_MutationDeviceWinsOverCaller(t *testing.T) {
	s, _, _ := newService(t, Options{})

	m := mutation("m1", "rex", map[string]any{"name": "Rex"}, nil)
	m.DeviceID = "dev-x"
	push(t, s, "dev-a", m)

	snap, err := s.Pull(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev-x", snap.Records[0].FieldWriters["name"])
}

type failingStore struct {
	store.Store
}

func (failingStore) InTx(context.Context, string, func(context.Context, store.Tx) error) error {
	return errors.New("db down")
}

func TestPush_StoreFailure(t *testing.T) {
	s := NewSyncService(failingStore{store.NewInMemory()}, hub.New(1, nil), Options{})

	_, _, err := s.Push(context.Background(), "alice", "dev-a", []*models.Mutation{mutation("m1", "rex", map[string]any{"a": 1}, nil)})
	assert.ErrorContains(t, err, "apply mutation m1: db down")
}

func TestPull_DeltaAndFull(t *testing.T) {
	s, _, _ := newService(t, Options{})
	push(t, s, "dev-a",
		mutation("m1", "rex", map[string]any{"name": "Rex"}, nil),
		mutation("m2", "tom", map[string]any{"name": "Tom"}, nil),
	)

	since := int64(1)
	snap, err := s.Pull(context.Background(), "alice", &since)
	require.NoError(t, err)
	assert.False(t, snap.Full)
	assert.Equal(t, int64(2), snap.Version)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "tom", snap.Records[0].EntityID)

	zero := int64(0)
	snap, err = s.Pull(context.Background(), "alice", &zero)
	require.NoError(t, err)
	assert.True(t, snap.Full)
	assert.Len(t, snap.Records, 2)

	ahead := int64(50)
	snap, err = s.Pull(context.Background(), "alice", &ahead)
	require.NoError(t, err)
	assert.True(t, snap.Full)
	assert.Len(t, snap.Records, 2)
	assert.Equal(t, int64(2), snap.Version)

	current := int64(2)
	snap, err = s.Pull(context.Background(), "alice", &current)
	require.NoError(t, err)
	assert.False(t, snap.Full)
	assert.Empty(t, snap.Records)
}

func TestPull_OffloadsLargeFullSnapshot(t *testing.T) {
	arch := &fakeArchiver{}
	s, _, _ := newService(t, Options{Archiver: arch, ArchiveThreshold: 2})
	push(t, s, "dev-a",
		mutation("m1", "rex", map[string]any{"name": "Rex"}, nil),
		mutation("m2", "tom", map[string]any{"name": "Tom"}, nil),
	)

	snap, err := s.Pull(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.True(t, snap.Full)
	assert.Nil(t, snap.Records)
	assert.Equal(t, "https://objects.example/alice", snap.ArchiveURL)

	a, err := wire.DecodeArchive(arch.data, snap.ArchiveChecksum)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)
	require.Len(t, a.Records, 2)
	assert.Equal(t, "rex", a.Records[0].EntityID)
	assert.Equal(t, "Tom", a.Records[1].Fields["name"])

	// deltas are never offloaded
	since := int64(1)
	snap, err = s.Pull(context.Background(), "alice", &since)
	require.NoError(t, err)
	assert.Empty(t, snap.ArchiveURL)
	assert.Len(t, snap.Records, 1)
}

func TestPull_ArchiveFailureFallsBackToInline(t *testing.T) {
	s, _, _ := newService(t, Options{Archiver: &fakeArchiver{err: errors.New("s3 down")}, ArchiveThreshold: 1})
	push(t, s, "dev-a", mutation("m1", "rex", map[string]any{"name": "Rex"}, nil))

	snap, err := s.Pull(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, snap.ArchiveURL)
	assert.Len(t, snap.Records, 1)
}

func TestPing(t *testing.T) {
	s, st, _ := newService(t, Options{})
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, st.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), common.ErrClosed)
}

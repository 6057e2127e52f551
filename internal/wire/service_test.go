package wire

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubServer struct {
	lastPush *PushRequest
	events   []*ChangeEvent
}

func (s *stubServer) Push(_ context.Context, in *PushRequest) (*PushResponse, error) {
	s.lastPush = in
	res := make([]*MutationResult, 0, len(in.Mutations))
	for _, m := range in.Mutations {
		res = append(res, &MutationResult{MutationID: m.ID, Status: StatusAccepted, FieldTimestamps: map[string]int64{"name": 10}})
	}
	return &PushResponse{Results: res, Version: 5}, nil
}

func (s *stubServer) Pull(_ context.Context, in *PullRequest) (*PullResponse, error) {
	if in.HasSince && in.SinceVersion < 0 {
		return nil, status.Error(codes.InvalidArgument, "negative version")
	}
	return &PullResponse{Version: 3, Full: !in.HasSince}, nil
}

func (s *stubServer) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return &PingResponse{Status: "OK"}, nil
}

func (s *stubServer) Subscribe(_ *SubscribeRequest, stream SubscribeServer) error {
	for _, e := range s.events {
		if err := stream.Send(e); err != nil {
			return err
		}
	}
	return nil
}

func dial(t *testing.T, srv SyncServer) SyncClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterSyncServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewSyncClient(conn)
}

func TestSyncService_UnaryCalls(t *testing.T) {
	srv := &stubServer{}
	c := dial(t, srv)
	ctx := context.Background()

	pong, err := c.Ping(ctx, &PingRequest{})
	require.NoError(t, err)
	assert.Equal(t, "OK", pong.Status)

	resp, err := c.Push(ctx, &PushRequest{DeviceID: "d1", Mutations: []*Mutation{
		{ID: "m1", EntityKind: "pet", EntityID: "p1", Patch: map[string]any{"name": "Rex", "age": int64(2)}, LocalSeq: 1, DeviceID: "d1"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].MutationID)
	assert.Equal(t, StatusAccepted, resp.Results[0].Status)
	assert.Equal(t, int64(5), resp.Version)

	require.NotNil(t, srv.lastPush)
	assert.Equal(t, map[string]any{"name": "Rex", "age": int64(2)}, srv.lastPush.Mutations[0].Patch)

	full, err := c.Pull(ctx, &PullRequest{})
	require.NoError(t, err)
	assert.True(t, full.Full)

	_, err = c.Pull(ctx, &PullRequest{HasSince: true, SinceVersion: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSyncService_SubscribeStreamsEvents(t *testing.T) {
	srv := &stubServer{events: []*ChangeEvent{
		{Version: 1, EntityKind: "pet", EntityID: "p1", Patch: map[string]any{"hunger": int64(1)}, FieldTimestamps: map[string]int64{"hunger": 5}},
		{Version: 2, EntityKind: "pet", EntityID: "p1", Patch: map[string]any{"hunger": int64(2)}, FieldTimestamps: map[string]int64{"hunger": 6}},
	}}
	c := dial(t, srv)

	stream, err := c.Subscribe(context.Background(), &SubscribeRequest{DeviceID: "d1"})
	require.NoError(t, err)

	var got []int64
	for {
		e, err := stream.Recv()
		if err != nil {
			break
		}
		got = append(got, e.Version)
	}
	assert.Equal(t, []int64{1, 2}, got)
}

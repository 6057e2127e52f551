package wire

import (
	"context"

	"google.golang.org/grpc"
)

// SyncClient is the client side of the sync service.
type SyncClient interface {
	Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error)
	Pull(ctx context.Context, in *PullRequest, opts ...grpc.CallOption) (*PullResponse, error)
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (ChangeStream, error)
}

// ChangeStream yields change events until the stream ends.
type ChangeStream interface {
	Recv() (*ChangeEvent, error)
}

type syncClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncClient returns a client that encodes every call with the CBOR codec.
func NewSyncClient(cc grpc.ClientConnInterface) SyncClient {
	return &syncClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *syncClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	out := new(PushResponse)
	if err := c.cc.Invoke(ctx, PushMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Pull(ctx context.Context, in *PullRequest, opts ...grpc.CallOption) (*PullResponse, error) {
	out := new(PullResponse)
	if err := c.cc.Invoke(ctx, PullMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.cc.Invoke(ctx, PingMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (ChangeStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &changeStream{stream}, nil
}

type changeStream struct {
	grpc.ClientStream
}

func (x *changeStream) Recv() (*ChangeEvent, error) {
	m := new(ChangeEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

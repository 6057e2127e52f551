package wire

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "petsync.v1.SyncService"

// Full method names, as seen by interceptors.
const (
	PushMethod      = "/" + ServiceName + "/Push"
	PullMethod      = "/" + ServiceName + "/Pull"
	PingMethod      = "/" + ServiceName + "/Ping"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
)

// SyncServer is implemented by the backend.
type SyncServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	Pull(context.Context, *PullRequest) (*PullResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Subscribe(*SubscribeRequest, SubscribeServer) error
}

// SubscribeServer is the server side of the change stream.
type SubscribeServer interface {
	Send(*ChangeEvent) error
	Context() context.Context
}

// RegisterSyncServer attaches srv to s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Pull", Handler: pullHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "petsync/v1/sync",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncServer).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PullRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Pull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncServer).Pull(ctx, req.(*PullRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Subscribe(in, &subscribeServer{stream})
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(e *ChangeEvent) error {
	return x.ServerStream.SendMsg(e)
}

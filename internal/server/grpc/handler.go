package grpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/server/hub"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxPushBatch bounds the mutations accepted in one Push call.
const MaxPushBatch = 1000

func identity(ctx context.Context) (userID, deviceID string) {
	userID, _ = ctx.Value(userIDKey).(string)
	deviceID, _ = ctx.Value(deviceIDKey).(string)
	return userID, deviceID
}

// statusFromError maps service errors onto gRPC codes.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, common.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrAuth), errors.Is(err, common.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, common.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func (s *GRPCServer) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	userID, deviceID := identity(ctx)
	if req.DeviceID != "" {
		deviceID = req.DeviceID
	}

	if len(req.Mutations) > MaxPushBatch {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d mutations exceeds %d", len(req.Mutations), MaxPushBatch)
	}
	batch := make([]*models.Mutation, 0, len(req.Mutations))
	for i, m := range req.Mutations {
		if m == nil {
			return nil, status.Errorf(codes.InvalidArgument, "mutation %d is empty", i)
		}
		batch = append(batch, models.MutationFromWire(m))
	}

	results, version, err := s.sync.Push(ctx, userID, deviceID, batch)
	if err != nil {
		s.logger.Error(ctx, "push failed", "user", userID, "mutations", len(batch), "error", err)
		return nil, statusFromError(err)
	}

	resp := &wire.PushResponse{Results: make([]*wire.MutationResult, 0, len(results)), Version: version}
	for _, r := range results {
		resp.Results = append(resp.Results, r.ToWire())
	}
	s.logger.Debug(ctx, "push", "user", userID, "device", deviceID, "mutations", len(batch), "version", version)
	return resp, nil
}

func (s *GRPCServer) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	userID, _ := identity(ctx)

	var since *int64
	if req.HasSince {
		since = &req.SinceVersion
	}

	snap, err := s.sync.Pull(ctx, userID, since)
	if err != nil {
		s.logger.Error(ctx, "pull failed", "user", userID, "error", err)
		return nil, statusFromError(err)
	}

	resp := &wire.PullResponse{
		Version:         snap.Version,
		Full:            snap.Full,
		ArchiveURL:      snap.ArchiveURL,
		ArchiveChecksum: snap.ArchiveChecksum,
	}
	for _, r := range snap.Records {
		resp.Records = append(resp.Records, r.ToWire())
	}
	return resp, nil
}

func (s *GRPCServer) Ping(ctx context.Context, req *wire.PingRequest) (*wire.PingResponse, error) {
	if err := s.sync.Ping(ctx); err != nil {
		s.logger.Warn(ctx, "ping: store unavailable", "error", err)
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	return &wire.PingResponse{Status: "OK"}, nil
}

// Subscribe streams the caller's change events until the client leaves,
// the server stops or the subscriber falls too far behind.
func (s *GRPCServer) Subscribe(req *wire.SubscribeRequest, stream wire.SubscribeServer) error {
	ctx := stream.Context()
	userID, deviceID := identity(ctx)
	if req.DeviceID != "" {
		deviceID = req.DeviceID
	}

	sub := s.sync.Subscribe(userID)
	defer sub.Close()

	s.logger.Info(ctx, "subscriber joined", "user", userID, "device", deviceID)
	defer s.logger.Info(ctx, "subscriber left", "user", userID, "device", deviceID)

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server shutting down")
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
					return status.Error(codes.ResourceExhausted, sub.Err().Error())
				}
				return status.Error(codes.Unavailable, "subscription closed")
			}
			if err := stream.Send(ev.ToWire()); err != nil {
				return fmt.Errorf("send change event: %w", err)
			}
		}
	}
}

// Package grpc serves the sync service over gRPC with the CBOR codec, and
// authenticates and rate-limits callers.
package grpc

import (
	"context"
	"net"
	"sync"

	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/dmitrijs2005/petsync/internal/server/hub"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/dmitrijs2005/petsync/internal/server/services"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"google.golang.org/grpc"
)

// SyncService is the backend logic behind the RPCs.
type SyncService interface {
	Push(ctx context.Context, userID, deviceID string, batch []*models.Mutation) ([]*models.Result, int64, error)
	Pull(ctx context.Context, userID string, since *int64) (*services.Snapshot, error)
	Subscribe(userID string) *hub.Subscription
	Ping(ctx context.Context) error
}

type Options struct {
	SecretKey string
	// PushRatePerSec limits Push calls per user. Zero disables the limit.
	PushRatePerSec float64
	PushBurst      int
}

type GRPCServer struct {
	address   string
	sync      SyncService
	logger    logging.Logger
	jwtSecret []byte
	limits    *userLimiter

	// closed on shutdown so open change streams end
	stopping chan struct{}
	stopOnce sync.Once
}

var _ wire.SyncServer = (*GRPCServer)(nil)

func NewGRPCServer(address string, l logging.Logger, svc SyncService, opts Options) *GRPCServer {
	return &GRPCServer{
		address:   address,
		sync:      svc,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(opts.SecretKey),
		limits:    newUserLimiter(opts.PushRatePerSec, opts.PushBurst),
		stopping:  make(chan struct{}),
	}
}

// NewServer builds a grpc.Server with the interceptors installed and the
// sync service registered.
func (s *GRPCServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor, s.rateLimitInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	wire.RegisterSyncServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.stopOnce.Do(func() { close(s.stopping) })
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}

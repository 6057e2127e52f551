package grpc

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/server/auth"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const (
	userIDKey   ctxKey = "userID"
	deviceIDKey ctxKey = "deviceID"
)

// public methods need no token
var public = map[string]bool{
	wire.PingMethod: true,
}

func header(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// authenticate resolves the caller from the access token and stores the
// user and device ids in the returned context.
func (s *GRPCServer) authenticate(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	accessToken := header(md, common.AccessTokenHeaderName)
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	userID, err := auth.GetUserIDFromToken(accessToken, s.jwtSecret)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, deviceIDKey, header(md, common.DeviceIDHeaderName))
	return ctx, nil
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if public[info.FullMethod] {
		return handler(ctx, req)
	}

	authCtx, err := s.authenticate(ctx)
	if err != nil {
		s.logger.Warn(ctx, "rejected call", "method", info.FullMethod, "error", err)
		return nil, err
	}
	return handler(authCtx, req)
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authenticatedStream) Context() context.Context { return a.ctx }

func (s *GRPCServer) streamAccessTokenInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context())
	if err != nil {
		s.logger.Warn(ss.Context(), "rejected stream", "method", info.FullMethod, "error", err)
		return err
	}
	return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
}

func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod == wire.PushMethod {
		userID, _ := ctx.Value(userIDKey).(string)
		if !s.limits.allow(userID) {
			return nil, status.Error(codes.ResourceExhausted, "push rate exceeded")
		}
	}
	return handler(ctx, req)
}

// userLimiter keeps one token bucket per user.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newUserLimiter(perSec float64, burst int) *userLimiter {
	return &userLimiter{limit: rate.Limit(perSec), burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (u *userLimiter) allow(userID string) bool {
	if u.limit <= 0 {
		return true
	}

	u.mu.Lock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(u.limit, u.burst)
		u.limiters[userID] = l
	}
	u.mu.Unlock()

	return l.Allow()
}

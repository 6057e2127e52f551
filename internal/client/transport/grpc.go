package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/dmitrijs2005/petsync/internal/netx"
	"github.com/dmitrijs2005/petsync/internal/wire"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Options configures a GRPC transport. Zero values fall back to defaults.
type Options struct {
	Addr        string
	AccessToken string
	DeviceID    string

	RequestTimeout  time.Duration
	PushConcurrency int

	// Reconnect backoff of the change stream.
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	BackoffJitterPercent uint64

	// OnReconnect runs each time the change stream is re-established after
	// a failure.
	OnReconnect func()

	Clock  clock.Clock
	Logger logging.Logger
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.PushConcurrency <= 0 {
		o.PushConcurrency = 4
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = max(30*time.Second, o.BackoffMin)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// download fetches offloaded snapshot archives; replaced in tests.
var download = netx.Download

type GRPC struct {
	opts   Options
	conn   *grpc.ClientConn
	client wire.SyncClient
	logger logging.Logger
}

var _ Transport = (*GRPC)(nil)

// Dial creates a transport for opts.Addr. The connection is established
// lazily on the first call.
func Dial(opts Options) (*GRPC, error) {
	opts.setDefaults()
	t := &GRPC{opts: opts, logger: opts.Logger.With("module", "transport")}

	conn, err := grpc.NewClient(opts.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(t.unaryInterceptor),
		grpc.WithStreamInterceptor(t.streamInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}
	t.conn = conn
	t.client = wire.NewSyncClient(conn)
	return t, nil
}

// NewWithClient wraps an existing client. Close does not close anything.
func NewWithClient(client wire.SyncClient, opts Options) *GRPC {
	opts.setDefaults()
	return &GRPC{opts: opts, client: client, logger: opts.Logger.With("module", "transport")}
}

func (t *GRPC) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *GRPC) withIdentity(ctx context.Context) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, t.opts.AccessToken)
	md.Set(common.DeviceIDHeaderName, t.opts.DeviceID)
	return metadata.NewOutgoingContext(ctx, md)
}

func (t *GRPC) unaryInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(t.withIdentity(ctx), method, req, reply, cc, opts...)
}

func (t *GRPC) streamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(t.withIdentity(ctx), desc, cc, method, opts...)
}

// Push sends one Push call per entity group. Groups run concurrently up to
// PushConcurrency; a failed group does not cancel the others, and the
// outcomes of the groups that completed are returned alongside the first
// error.
func (t *GRPC) Push(ctx context.Context, batch []*models.Mutation) (*models.PushResult, error) {
	res := &models.PushResult{Outcomes: make(map[string]models.PushOutcome, len(batch))}
	if len(batch) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(t.opts.PushConcurrency)

	for _, group := range PartitionByEntity(batch) {
		g.Go(func() error {
			req := &wire.PushRequest{DeviceID: t.opts.DeviceID, Mutations: make([]*wire.Mutation, 0, len(group))}
			for _, m := range group {
				req.Mutations = append(req.Mutations, toWireMutation(m))
			}

			callCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
			defer cancel()

			resp, err := t.client.Push(callCtx, req)
			if err != nil {
				return mapError(err)
			}

			mu.Lock()
			defer mu.Unlock()
			res.Version = max(res.Version, resp.Version)
			for _, r := range resp.Results {
				res.Outcomes[r.MutationID] = fromWireResult(r)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		t.logger.Warn(ctx, "push incomplete", "mutations", len(batch), "outcomes", len(res.Outcomes), "error", err)
	}
	return res, err
}

// Pull fetches state after since. Offloaded snapshots are downloaded and
// verified before they are returned.
func (t *GRPC) Pull(ctx context.Context, since *int64) (*models.StateSnapshot, error) {
	req := &wire.PullRequest{}
	if since != nil {
		req.SinceVersion, req.HasSince = *since, true
	}

	callCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	resp, err := t.client.Pull(callCtx, req)
	if err != nil {
		return nil, mapError(err)
	}
	if resp.ArchiveURL == "" {
		return snapshotFromRecords(resp.Version, resp.Full, resp.Records), nil
	}

	data, err := download(callCtx, resp.ArchiveURL)
	if err != nil {
		return nil, mapError(fmt.Errorf("download archive: %w", err))
	}
	a, err := wire.DecodeArchive(data, resp.ArchiveChecksum)
	if err != nil {
		// a corrupt transfer is worth another attempt
		return nil, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	t.logger.Debug(ctx, "snapshot archive downloaded", "bytes", len(data), "records", len(a.Records))
	return snapshotFromRecords(a.Version, true, a.Records), nil
}

// Ping checks that the backend answers.
func (t *GRPC) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	resp, err := t.client.Ping(callCtx, &wire.PingRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.Status != "OK" {
		return fmt.Errorf("%w: backend status %q", common.ErrTransport, resp.Status)
	}
	return nil
}

// mapError classifies an RPC failure into the common sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", common.ErrAuth, st.Message())
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", common.ErrValidation, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
}

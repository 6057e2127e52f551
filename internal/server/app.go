// Package server wires the backend together: store, change hub, snapshot
// archive, sync service, and the gRPC and HTTP servers.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/dmitrijs2005/petsync/internal/server/archive"
	"github.com/dmitrijs2005/petsync/internal/server/config"
	"github.com/dmitrijs2005/petsync/internal/server/hub"
	"github.com/dmitrijs2005/petsync/internal/server/httpapi"
	"github.com/dmitrijs2005/petsync/internal/server/services"
	"github.com/dmitrijs2005/petsync/internal/server/store"

	gs "github.com/dmitrijs2005/petsync/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  store.Store
	sync   *services.SyncService
}

func NewApp(ctx context.Context, c *config.Config, logOut io.Writer) (*App, error) {
	logger := logging.New(logOut, c.LogLevel, c.LogFormat)

	var (
		st  store.Store
		err error
	)
	if c.DatabaseDSN == "" {
		logger.Warn(ctx, "no database configured, state is kept in memory")
		st = store.NewInMemory()
	} else {
		st, err = store.OpenPostgres(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
	}

	opts := services.Options{ArchiveThreshold: c.ArchiveThreshold, Logger: logger}
	if c.S3Bucket != "" {
		a, err := archive.NewS3(ctx, archive.Options{
			Bucket:   c.S3Bucket,
			Region:   c.S3Region,
			Endpoint: c.S3BaseEndpoint,
			User:     c.S3User,
			Password: c.S3Password,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("archive init error: %w", err)
		}
		opts.Archiver = a
	}

	h := hub.New(c.SubscriberBuffer, logger)
	return &App{
		config: c,
		logger: logger,
		store:  st,
		sync:   services.NewSyncService(st, h, opts),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.GRPCAddr, app.logger, app.sync, gs.Options{
		SecretKey:      app.config.SecretKey,
		PushRatePerSec: app.config.PushRatePerSec,
		PushBurst:      app.config.PushBurst,
	})

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "grpc server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := httpapi.New(app.config.HTTPAddr, app.sync, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "http server failed", "error", err)
		cancelFunc()
	}
}

// Run serves until ctx is done, a termination signal arrives or a server
// fails, then closes the store.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	if app.config.HTTPAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startHTTPServer(ctx, cancelFunc)
		}()
	}

	wg.Wait()

	app.logger.Info(context.Background(), "Stopped")
	return app.store.Close()
}

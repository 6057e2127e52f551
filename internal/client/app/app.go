// Package app wires the local store, the gRPC transport and the sync
// engine into one process for the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/petsync/internal/client/config"
	"github.com/dmitrijs2005/petsync/internal/client/device"
	"github.com/dmitrijs2005/petsync/internal/client/engine"
	"github.com/dmitrijs2005/petsync/internal/client/migrations"
	"github.com/dmitrijs2005/petsync/internal/client/reconcile"
	"github.com/dmitrijs2005/petsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/petsync/internal/client/transport"
	"github.com/dmitrijs2005/petsync/internal/clock"
	"github.com/dmitrijs2005/petsync/internal/filex"
	"github.com/dmitrijs2005/petsync/internal/logging"

	_ "modernc.org/sqlite"
)

type App struct {
	cfg       *config.Config
	logger    logging.Logger
	db        *sql.DB
	transport *transport.GRPC
	engine    *engine.Engine
	watcher   *Watcher
	cancel    context.CancelFunc
}

// New opens the local database and prepares the engine. Nothing talks to
// the server until Start.
func New(ctx context.Context, cfg *config.Config, logOut io.Writer) (*App, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is required (--user)")
	}
	granularity, err := reconcile.ParseGranularity(cfg.Granularity)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	db, err := openDatabase(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = device.Ensure(ctx, metadata.NewSQLiteRepository(db)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	a := &App{cfg: cfg, logger: logger, db: db}

	a.transport, err = transport.Dial(transport.Options{
		Addr:                 cfg.ServerAddr,
		AccessToken:          cfg.AccessToken,
		DeviceID:             deviceID,
		RequestTimeout:       cfg.RequestTimeout,
		PushConcurrency:      cfg.PushConcurrency,
		BackoffMin:           cfg.BackoffMin,
		BackoffMax:           cfg.BackoffMax,
		BackoffJitterPercent: cfg.BackoffJitterPercent,
		OnReconnect:          a.reconnected,
		Logger:               logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a.engine, err = engine.Open(ctx, engine.Deps{
		DB:        db,
		Transport: a.transport,
		Logger:    logger,
	}, engine.Options{
		UserID:               cfg.UserID,
		DeviceID:             deviceID,
		Debounce:             cfg.Debounce,
		MaxDebounce:          cfg.MaxDebounce,
		Heartbeat:            cfg.Heartbeat,
		BackoffMin:           cfg.BackoffMin,
		BackoffMax:           cfg.BackoffMax,
		BackoffJitterPercent: cfg.BackoffJitterPercent,
		PushBatchSize:        cfg.PushBatchSize,
		ConfirmedRetention:   cfg.ConfirmedRetention,
		SuppressEcho:         cfg.SuppressEcho,
		Granularity:          granularity,
	})
	if err != nil {
		_ = a.transport.Close()
		_ = db.Close()
		return nil, err
	}

	if cfg.OnlineCheckInterval > 0 {
		a.watcher = NewWatcher(a.transport, clock.Real(), cfg.OnlineCheckInterval, a.reconnected, logger)
	}
	return a, nil
}

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := filex.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time keeps SQLite from reporting busy errors.
	db.SetMaxOpenConns(1)

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }
func (a *App) Logger() logging.Logger { return a.logger }

// Start begins background sync and, when configured, the online watcher.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if a.watcher != nil {
		go a.watcher.Run(ctx)
	}
	return nil
}

// Close stops sync and releases the connection and the database.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return errors.Join(
		a.engine.Close(),
		a.transport.Close(),
		a.db.Close(),
	)
}

func (a *App) reconnected() {
	if a.engine != nil {
		a.engine.Reconnected()
	}
}

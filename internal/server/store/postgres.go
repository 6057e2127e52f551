package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/dbx"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/dmitrijs2005/petsync/internal/server/repositories/repomanager"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres runs every transaction against PostgreSQL through the
// repositories vended by a RepositoryManager.
type Postgres struct {
	db *sql.DB
	rm repomanager.RepositoryManager
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and brings the schema up to date.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := NewPostgres(db, repomanager.NewPostgresRepositoryManager())
	if err := s.rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

func NewPostgres(db *sql.DB, rm repomanager.RepositoryManager) *Postgres {
	return &Postgres{db: db, rm: rm}
}

func (s *Postgres) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &pgTx{userID: userID, db: tx, rm: s.rm})
	})
}

func (s *Postgres) Changes(ctx context.Context, userID string, since int64) ([]*models.Record, int64, error) {
	var (
		recs    []*models.Record
		version int64
	)
	err := dbx.WithTx(ctx, s.db, dbx.ReadSnapshot, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if version, err = s.rm.Users(tx).CurrentVersion(ctx, userID); err != nil {
			return err
		}
		recs, err = s.rm.Records(tx).SelectUpdated(ctx, userID, since)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return recs, version, nil
}

func (s *Postgres) Version(ctx context.Context, userID string) (int64, error) {
	return s.rm.Users(s.db).CurrentVersion(ctx, userID)
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

type pgTx struct {
	userID string
	db     dbx.DBTX
	rm     repomanager.RepositoryManager
}

func (t *pgTx) Applied(ctx context.Context, mutationID string) (*models.Result, error) {
	return t.rm.Applied(t.db).Get(ctx, t.userID, mutationID)
}

func (t *pgTx) LockRecord(ctx context.Context, kind, entityID string) (*models.Record, error) {
	return t.rm.Records(t.db).GetForUpdate(ctx, t.userID, kind, entityID)
}

func (t *pgTx) PutRecord(ctx context.Context, rec *models.Record) error {
	return t.rm.Records(t.db).Upsert(ctx, rec)
}

func (t *pgTx) NextVersion(ctx context.Context) (int64, error) {
	return t.rm.Users(t.db).IncrementCurrentVersion(ctx, t.userID)
}

func (t *pgTx) SaveResult(ctx context.Context, res *models.Result) error {
	return t.rm.Applied(t.db).Insert(ctx, t.userID, res)
}

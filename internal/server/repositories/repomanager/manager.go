// Package repomanager vends the PostgreSQL repositories of the store bound
// to a connection or a transaction, and runs the schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/petsync/internal/dbx"
	"github.com/dmitrijs2005/petsync/internal/server/migrations"
	"github.com/dmitrijs2005/petsync/internal/server/repositories/applied"
	"github.com/dmitrijs2005/petsync/internal/server/repositories/records"
	"github.com/dmitrijs2005/petsync/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Records(db dbx.DBTX) records.Repository
	Applied(db dbx.DBTX) applied.Repository
}

type PostgresRepositoryManager struct{}

var _ RepositoryManager = (*PostgresRepositoryManager)(nil)

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Records(db dbx.DBTX) records.Repository {
	return records.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Applied(db dbx.DBTX) applied.Repository {
	return applied.NewPostgresRepository(db)
}

// runMigrations is a seam for tests.
var runMigrations = migrations.Up

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return runMigrations(ctx, db)
}

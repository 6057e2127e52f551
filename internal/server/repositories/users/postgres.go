// Package users stores per-user sync state in PostgreSQL.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) IncrementCurrentVersion(ctx context.Context, userID string) (int64, error) {
	query :=
		`INSERT INTO users (id, current_version) VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE SET current_version = users.current_version + 1
		 RETURNING current_version`

	var version int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&version); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return version, nil
}

func (r *PostgresRepository) CurrentVersion(ctx context.Context, userID string) (int64, error) {
	query := `SELECT current_version FROM users WHERE id = $1`

	var version int64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return version, nil
}

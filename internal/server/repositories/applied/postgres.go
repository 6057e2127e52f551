// Package applied stores push results by mutation id in PostgreSQL.
package applied

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/dbx"
	"github.com/dmitrijs2005/petsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID, mutationID string) (*models.Result, error) {
	query := `SELECT result FROM applied_mutations WHERE user_id = $1 AND mutation_id = $2`

	var raw []byte
	if err := r.db.QueryRowContext(ctx, query, userID, mutationID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	var res models.Result
	if err := codec.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", mutationID, err)
	}
	return &res, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, userID string, res *models.Result) error {
	raw, err := codec.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	query := `INSERT INTO applied_mutations (user_id, mutation_id, result) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, userID, res.MutationID, raw); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

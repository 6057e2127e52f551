package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/petsync/internal/dbx"
)

const (
	selectValue = `SELECT value FROM metadata WHERE scope = ? AND key = ?`
	upsertValue = `INSERT INTO metadata (scope, key, value) VALUES (?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value`
)

// SQLiteRepository works on a *sql.DB or inside a transaction.
type SQLiteRepository struct {
	db dbx.DBTX
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, scope, key string) ([]byte, error) {
	var value []byte
	switch err := r.db.QueryRowContext(ctx, selectValue, scope, key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", describe(scope, key), err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, scope, key string, value []byte) error {
	if _, err := r.db.ExecContext(ctx, upsertValue, scope, key, value); err != nil {
		return fmt.Errorf("write %s: %w", describe(scope, key), err)
	}
	return nil
}

func (r *SQLiteRepository) GetInt(ctx context.Context, scope, key string) (int64, bool, error) {
	raw, err := r.Get(ctx, scope, key)
	if err != nil || raw == nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s holds %q, not an integer", describe(scope, key), raw)
	}
	return n, true, nil
}

func (r *SQLiteRepository) SetInt(ctx context.Context, scope, key string, value int64) error {
	return r.Set(ctx, scope, key, strconv.AppendInt(nil, value, 10))
}

func describe(scope, key string) string {
	if scope == GlobalScope {
		return "metadata " + key
	}
	return "metadata " + scope + ":" + key
}

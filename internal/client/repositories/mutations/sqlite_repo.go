package mutations

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, scope string, m *models.Mutation) error {
	patch, err := codec.Marshal(m.Patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	base, err := codec.Marshal(m.BaseTimestamps)
	if err != nil {
		return fmt.Errorf("encode base timestamps: %w", err)
	}
	dropped, err := codec.Marshal(m.Dropped)
	if err != nil {
		return fmt.Errorf("encode dropped fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mutations (id, scope, local_seq, entity_kind, entity_id, patch, base_ts,
			client_ts, device_id, status, dropped, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, scope, m.LocalSeq, m.Entity.Kind, m.Entity.ID, patch, base,
		m.ClientTimestamp.UnixMilli(), m.DeviceID, string(m.Status), dropped, m.Reason, m.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, scope string) ([]*models.Mutation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, local_seq, entity_kind, entity_id, patch, base_ts, client_ts,
			device_id, status, dropped, reason, updated_at
		FROM mutations WHERE scope = ? ORDER BY local_seq`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var result []*models.Mutation
	for rows.Next() {
		var (
			m                 models.Mutation
			patch, base, drop []byte
			status            string
			clientTS, updated int64
		)
		if err := rows.Scan(&m.ID, &m.LocalSeq, &m.Entity.Kind, &m.Entity.ID, &patch, &base, &clientTS,
			&m.DeviceID, &status, &drop, &m.Reason, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan mutation row: %w", err)
		}
		if err := codec.Unmarshal(patch, &m.Patch); err != nil {
			return nil, fmt.Errorf("decode patch of %s: %w", m.ID, err)
		}
		if len(base) > 0 {
			if err := codec.Unmarshal(base, &m.BaseTimestamps); err != nil {
				return nil, fmt.Errorf("decode base timestamps of %s: %w", m.ID, err)
			}
		}
		if len(drop) > 0 {
			if err := codec.Unmarshal(drop, &m.Dropped); err != nil {
				return nil, fmt.Errorf("decode dropped fields of %s: %w", m.ID, err)
			}
		}
		m.Status = models.MutationStatus(status)
		m.ClientTimestamp = time.UnixMilli(clientTS)
		m.UpdatedAt = time.UnixMilli(updated)
		result = append(result, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutation rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, scope, id string, status models.MutationStatus, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, reason = ?, updated_at = ?
		WHERE scope = ? AND id = ?`, string(status), reason, at.UnixMilli(), scope, id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if err := dbx.ExpectRows(res, 1); err != nil {
		return fmt.Errorf("mutation %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) SetDropped(ctx context.Context, scope, id string, dropped []string, at time.Time) error {
	b, err := codec.Marshal(dropped)
	if err != nil {
		return fmt.Errorf("encode dropped fields: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE mutations SET dropped = ?, updated_at = ?
		WHERE scope = ? AND id = ?`, b, at.UnixMilli(), scope, id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if err := dbx.ExpectRows(res, 1); err != nil {
		return fmt.Errorf("mutation %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) DeleteConfirmedBefore(ctx context.Context, scope string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mutations WHERE scope = ? AND status = ? AND updated_at < ?`,
		scope, string(models.StatusConfirmed), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge mutations: %w", err)
	}
	return n, nil
}

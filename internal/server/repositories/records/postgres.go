// Package records stores authoritative entity records in PostgreSQL. Field
// values, timestamps and writers are kept together as one CBOR body.
package records

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

type body struct {
	Fields          map[string]any    `cbor:"fields"`
	FieldTimestamps map[string]int64  `cbor:"field_ts"`
	FieldWriters    map[string]string `cbor:"field_writers,omitempty"`
}

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID, kind, entityID string) (*models.Record, error) {
	query :=
		`SELECT body, revision, version FROM records
		 WHERE user_id = $1 AND kind = $2 AND entity_id = $3
		 FOR UPDATE`

	var (
		raw               []byte
		revision, version int64
	)
	err := r.db.QueryRowContext(ctx, query, userID, kind, entityID).Scan(&raw, &revision, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	rec, err := decode(userID, kind, entityID, raw)
	if err != nil {
		return nil, err
	}
	rec.Revision, rec.Version = revision, version
	return rec, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.Record) error {
	raw, err := codec.Marshal(body{Fields: rec.Fields, FieldTimestamps: rec.FieldTimestamps, FieldWriters: rec.FieldWriters})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	query := `
		INSERT INTO records (user_id, kind, entity_id, body, revision, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, kind, entity_id)
		DO UPDATE SET body = EXCLUDED.body, revision = EXCLUDED.revision, version = EXCLUDED.version`

	res, err := r.db.ExecContext(ctx, query, rec.UserID, rec.Kind, rec.EntityID, raw, rec.Revision, rec.Version)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectRows(res, 1)
}

func (r *PostgresRepository) SelectUpdated(ctx context.Context, userID string, version int64) ([]*models.Record, error) {
	query :=
		`SELECT kind, entity_id, body, revision, version FROM records
		 WHERE user_id = $1 AND version > $2
		 ORDER BY version`

	rows, err := r.db.QueryContext(ctx, query, userID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		var (
			kind, id string
			raw      []byte
			rev, ver int64
		)
		if err := rows.Scan(&kind, &id, &raw, &rev, &ver); err != nil {
			return nil, err
		}
		rec, err := decode(userID, kind, id, raw)
		if err != nil {
			return nil, err
		}
		rec.Revision, rec.Version = rev, ver
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func decode(userID, kind, entityID string, raw []byte) (*models.Record, error) {
	var b body
	if err := codec.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", kind, entityID, err)
	}
	rec := models.NewRecord(userID, kind, entityID)
	if b.Fields != nil {
		rec.Fields = b.Fields
	}
	if b.FieldTimestamps != nil {
		rec.FieldTimestamps = b.FieldTimestamps
	}
	if b.FieldWriters != nil {
		rec.FieldWriters = b.FieldWriters
	}
	return rec, nil
}

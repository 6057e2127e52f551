package records

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/dmitrijs2005/petsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Put(ctx context.Context, scope string, key models.EntityKey, rec *models.VersionedRecord) error {
	fields, err := codec.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	ts, err := codec.Marshal(rec.FieldTimestamps)
	if err != nil {
		return fmt.Errorf("encode field timestamps: %w", err)
	}
	writers, err := codec.Marshal(rec.FieldWriters)
	if err != nil {
		return fmt.Errorf("encode field writers: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO records (scope, kind, id, fields, field_ts, field_writers, remote_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, kind, id) DO UPDATE SET
			fields = excluded.fields,
			field_ts = excluded.field_ts,
			field_writers = excluded.field_writers,
			remote_version = excluded.remote_version
	`, scope, key.Kind, key.ID, fields, ts, writers, rec.RemoteVersion)
	if err != nil {
		return fmt.Errorf("failed to put record %s: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, scope string, key models.EntityKey) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE scope = ? AND kind = ? AND id = ?`, scope, key.Kind, key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context, scope string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE scope = ?`, scope)
	if err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, scope string) (map[models.EntityKey]*models.VersionedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, id, fields, field_ts, field_writers, remote_version
		FROM records WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	result := make(map[models.EntityKey]*models.VersionedRecord)
	for rows.Next() {
		var (
			key                 models.EntityKey
			fields, ts, writers []byte
		)
		rec := models.NewRecord()
		if err := rows.Scan(&key.Kind, &key.ID, &fields, &ts, &writers, &rec.RemoteVersion); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		if err := codec.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", key, err)
		}
		if err := codec.Unmarshal(ts, &rec.FieldTimestamps); err != nil {
			return nil, fmt.Errorf("decode field timestamps of %s: %w", key, err)
		}
		if len(writers) > 0 {
			if err := codec.Unmarshal(writers, &rec.FieldWriters); err != nil {
				return nil, fmt.Errorf("decode field writers of %s: %w", key, err)
			}
		}
		normalize(rec)
		result[key] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return result, nil
}

// normalize restores empty maps that were stored as null.
func normalize(rec *models.VersionedRecord) {
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if rec.FieldTimestamps == nil {
		rec.FieldTimestamps = models.FieldTimestamps{}
	}
	if rec.FieldWriters == nil {
		rec.FieldWriters = models.FieldWriters{}
	}
}

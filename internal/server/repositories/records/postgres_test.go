package records

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/dmitrijs2005/petsync/internal/common"
	"github.com/dmitrijs2005/petsync/internal/server/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func sampleRecord() *models.Record {
	rec := models.NewRecord("u1", "pet", "rex")
	rec.Fields["name"] = "Rex"
	rec.FieldTimestamps["name"] = 10
	rec.FieldWriters["name"] = "dev-a"
	rec.Revision = 2
	rec.Version = 5
	return rec
}

func encoded(t *testing.T, rec *models.Record) []byte {
	t.Helper()
	raw, err := codec.Marshal(body{Fields: rec.Fields, FieldTimestamps: rec.FieldTimestamps, FieldWriters: rec.FieldWriters})
	require.NoError(t, err)
	return raw
}

func TestUpsert(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := sampleRecord()

	mock.ExpectExec(`(?s)INSERT INTO records .* ON CONFLICT \(user_id, kind, entity_id\)\s+DO UPDATE SET`).
		WithArgs("u1", "pet", "rex", encoded(t, rec), int64(2), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO records`).WillReturnError(errors.New("db down"))

	err := repo.Upsert(context.Background(), sampleRecord())
	assert.ErrorContains(t, err, "db error: db down")
}

func TestGetForUpdate(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	want := sampleRecord()

	mock.ExpectQuery(`(?s)SELECT body, revision, version FROM records\s+WHERE user_id = \$1 AND kind = \$2 AND entity_id = \$3\s+FOR UPDATE`).
		WithArgs("u1", "pet", "rex").
		WillReturnRows(sqlmock.NewRows([]string{"body", "revision", "version"}).AddRow(encoded(t, want), int64(2), int64(5)))

	got, err := repo.GetForUpdate(context.Background(), "u1", "pet", "rex")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestGetForUpdate_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT body`).WithArgs("u1", "pet", "none").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetForUpdate(context.Background(), "u1", "pet", "none")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSelectUpdated(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := sampleRecord()

	mock.ExpectQuery(`(?s)SELECT kind, entity_id, body, revision, version FROM records\s+WHERE user_id = \$1 AND version > \$2\s+ORDER BY version`).
		WithArgs("u1", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "entity_id", "body", "revision", "version"}).
			AddRow("pet", "rex", encoded(t, rec), int64(2), int64(5)).
			AddRow("wallet", "w1", encoded(t, models.NewRecord("u1", "wallet", "w1")), int64(1), int64(6)))

	got, err := repo.SelectUpdated(context.Background(), "u1", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Rex", got[0].Fields["name"])
	assert.Equal(t, "w1", got[1].EntityID)
	assert.Equal(t, int64(6), got[1].Version)
}

func TestSelectUpdated_BadBody(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT kind`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "entity_id", "body", "revision", "version"}).
			AddRow("pet", "rex", []byte{0xff}, int64(1), int64(1)))

	_, err := repo.SelectUpdated(context.Background(), "u1", 0)
	assert.ErrorContains(t, err, "decode record pet/rex")
}

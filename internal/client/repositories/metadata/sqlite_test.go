package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dmitrijs2005/petsync/internal/client/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newRepo(t *testing.T) (*SQLiteRepository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Up(context.Background(), db))
	return NewSQLiteRepository(db), db
}

func TestGet_Missing(t *testing.T) {
	r, _ := newRepo(t)

	v, err := r.Get(context.Background(), "alice/phone", "absent")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSet_Overwrites(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "alice/phone", "cursor", []byte("old")))
	require.NoError(t, r.Set(ctx, "alice/phone", "cursor", []byte("new")))

	v, err := r.Get(ctx, "alice/phone", "cursor")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestScopesAreIsolated(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "alice/phone", "k", []byte("a")))
	require.NoError(t, r.Set(ctx, "bob/phone", "k", []byte("b")))
	require.NoError(t, r.Set(ctx, GlobalScope, "k", []byte("g")))

	for scope, want := range map[string]string{"alice/phone": "a", "bob/phone": "b", GlobalScope: "g"} {
		v, err := r.Get(ctx, scope, "k")
		require.NoError(t, err)
		assert.Equal(t, want, string(v), "scope %q", scope)
	}
}

func TestIntValues(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	_, ok, err := r.GetInt(ctx, "s", "last_seq")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetInt(ctx, "s", "last_seq", 41))
	v, ok, err := r.GetInt(ctx, "s", "last_seq")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(41), v)

	require.NoError(t, r.Set(ctx, "s", "bad", []byte("x")))
	_, _, err = r.GetInt(ctx, "s", "bad")
	assert.ErrorContains(t, err, `metadata s:bad holds "x"`)
}

func TestErrorsNameTheKey(t *testing.T) {
	r, db := newRepo(t)
	ctx := context.Background()
	require.NoError(t, db.Close())

	_, err := r.Get(ctx, GlobalScope, "device_id")
	assert.ErrorContains(t, err, "read metadata device_id")

	err = r.SetInt(ctx, "alice/phone", "version", 3)
	assert.ErrorContains(t, err, "write metadata alice/phone:version")
}

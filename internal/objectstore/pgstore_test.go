package objectstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventkeep/storeruntime/internal/objectstore"
)

func newMockPostgresStore(t *testing.T) (*objectstore.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS objectstore_objects").
		WillReturnResult(sqlmock.NewResult(0, 0))

	st, err := objectstore.NewPostgresStore(db)
	require.NoError(t, err)
	return st, mock
}

func TestPostgresStoreGetFound(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"body", "etag"}).AddRow([]byte("payload"), "etag-1")
	mock.ExpectQuery("SELECT body, etag FROM objectstore_objects").
		WithArgs("bucket", "key").
		WillReturnRows(rows)

	obj, ok, err := st.Get(ctx, "bucket", "key", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", string(obj.Body))
	assert.Equal(t, "etag-1", obj.ETag)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT body, etag FROM objectstore_objects").
		WithArgs("bucket", "missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := st.Get(ctx, "bucket", "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutIfNoneMatchRejectsExisting(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO objectstore_objects").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, _, err := st.Put(ctx, "bucket", "key", []byte("v1"), "", "*")
	assert.True(t, errors.Is(err, objectstore.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutIfMatchStaleETagFails(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE objectstore_objects").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, _, err := st.Put(ctx, "bucket", "key", []byte("v2"), "stale-etag", "")
	assert.True(t, errors.Is(err, objectstore.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutIfMatchSucceeds(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE objectstore_objects").
		WillReturnResult(sqlmock.NewResult(0, 1))

	etag, hash, err := st.Put(ctx, "bucket", "key", []byte("v2"), "current-etag", "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	assert.NotEmpty(t, hash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreHeadAbsent(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT etag FROM objectstore_objects").
		WithArgs("bucket", "missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := st.Head(ctx, "bucket", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

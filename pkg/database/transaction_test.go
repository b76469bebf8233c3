package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
)

func newMockDB(t *testing.T) (database.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return database.NewDatabaseInstance(sqlx.NewDb(conn, "postgres"), logger), mock
}

func TestGetTx_CommitByOwner(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM staging_jobs").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = database.Conn(ctx, db).ExecContext(ctx, "DELETE FROM staging_jobs")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTx_JoinedTxDoesNotCommit(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, outer, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	innerCtx, inner, err := db.GetTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inner.Commit(innerCtx))
	assert.True(t, outer.IsOpen(), "a joined commit must leave the outer tx open")

	require.NoError(t, outer.Rollback(ctx))
	assert.False(t, inner.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTx_BeginFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, tx, err := db.GetTx(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, tx)
}

func TestConn_WithoutTxReturnsDB(t *testing.T) {
	db, _ := newMockDB(t)
	assert.Equal(t, db, database.Conn(context.Background(), db))
}

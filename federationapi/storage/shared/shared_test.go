package shared

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// newMockDatabase prepares a *Database against a sqlmock connection,
// expecting the eight statements Prepare compiles in the order shared.go
// declares them.
func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare("INSERT INTO federationsender_retry_state")
	mock.ExpectPrepare("SELECT failure_count, retry_until FROM federationsender_retry_state")
	mock.ExpectPrepare("SELECT server_name, failure_count, retry_until FROM federationsender_retry_state")
	mock.ExpectPrepare("DELETE FROM federationsender_retry_state")
	mock.ExpectPrepare("INSERT INTO federationsender_whitelist")
	mock.ExpectPrepare("SELECT 1 FROM federationsender_whitelist")
	mock.ExpectPrepare("DELETE FROM federationsender_whitelist WHERE server_name = \\$1")
	mock.ExpectPrepare("DELETE FROM federationsender_whitelist$")

	d := &Database{DB: db}
	require.NoError(t, d.Prepare())
	return d, mock
}

func TestUpsertRetryState(t *testing.T) {
	d, mock := newMockDatabase(t)

	mock.ExpectExec("INSERT INTO federationsender_retry_state").
		WithArgs("far.example.org", uint32(3), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.UpsertRetryState(context.Background(), "far.example.org", 3, 1000)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryState_NotFoundReturnsOkFalse(t *testing.T) {
	d, mock := newMockDatabase(t)

	mock.ExpectQuery("SELECT failure_count, retry_until FROM federationsender_retry_state").
		WithArgs("far.example.org").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := d.RetryState(context.Background(), "far.example.org")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsWhitelisted(t *testing.T) {
	d, mock := newMockDatabase(t)

	rows := sqlmock.NewRows([]string{"1"}).AddRow(1)
	mock.ExpectQuery("SELECT 1 FROM federationsender_whitelist").
		WithArgs("trusted.example.org").
		WillReturnRows(rows)

	ok, err := d.IsWhitelisted(context.Background(), "trusted.example.org")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

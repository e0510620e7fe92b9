package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sqlmock cases pin the transactional shape of TransferOwnership: a
// failure between the demote and the promote must roll the whole
// transaction back.
func TestTransferOwnershipRollsBackOnPromoteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStoreWithDB(db, "sqlite3")
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("v3", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("owner"))
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("v3", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectExec(`UPDATE memberships SET role`).
		WithArgs("admin", "v3", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE memberships SET role`).
		WithArgs("owner", "v3", int64(2)).
		WillReturnError(boom)
	mock.ExpectRollback()

	err = store.TransferOwnership(context.Background(), "v3", 2, 1)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferOwnershipCommitsWhenBothStepsSucceed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStoreWithDB(db, "sqlite3")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("v3", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("owner"))
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("v3", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectExec(`UPDATE memberships SET role`).
		WithArgs("admin", "v3", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE memberships SET role`).
		WithArgs("owner", "v3", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.TransferOwnership(context.Background(), "v3", 2, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferOwnershipNonOwnerRollsBackEarly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStoreWithDB(db, "sqlite3")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT role FROM memberships`).
		WithArgs("v3", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin"))
	mock.ExpectRollback()

	err = store.TransferOwnership(context.Background(), "v3", 2, 1)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

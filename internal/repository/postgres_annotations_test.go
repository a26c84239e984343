package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresAnnotationRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresAnnotationRepository(db, zap.NewNop())
	repo.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return db, mock, repo
}

func TestPostgresAnnotation_EnsureSchema(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS device_annotations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_List(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	updated := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"device_id", "home_name", "room_name", "status", "updated_at"}).
		AddRow("AA:BB", "Home", "Office", "hidden", updated).
		AddRow("CC:DD", "", "", "active", updated)

	mock.ExpectQuery(`SELECT device_id, home_name, room_name, status, updated_at`).
		WillReturnRows(rows)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.DeviceStatusHidden, all["AA:BB"].Status)
	assert.Equal(t, "Office", all["AA:BB"].RoomName)
	assert.Equal(t, updated, all["CC:DD"].UpdatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_GetNotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT device_id`).
		WithArgs("AA:BB").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "AA:BB")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_SetName(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO device_annotations`).
		WithArgs("AA:BB", "Home", "Office", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("hidden"))

	a, err := repo.SetName(context.Background(), "AA:BB", "Home", "Office")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusHidden, a.Status)
	assert.Equal(t, "Home - Office", a.DisplayName())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_SetNameRequiresBoth(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	_, err := repo.SetName(context.Background(), "AA:BB", "Home", "")
	assert.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_SetStatusNewDevice(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("AA:BB").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO device_annotations`).
		WithArgs("AA:BB", "", "", "hidden", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := repo.SetStatus(context.Background(), "AA:BB", ActionHide)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusHidden, a.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_SetStatusInvalidTransition(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("AA:BB").
		WillReturnRows(sqlmock.NewRows([]string{"home_name", "room_name", "status"}).
			AddRow("Home", "Office", "deleted"))
	mock.ExpectRollback()

	_, err := repo.SetStatus(context.Background(), "AA:BB", ActionHide)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotation_SetStatusRestore(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("AA:BB").
		WillReturnRows(sqlmock.NewRows([]string{"home_name", "room_name", "status"}).
			AddRow("Home", "Office", "deleted"))
	mock.ExpectExec(`INSERT INTO device_annotations`).
		WithArgs("AA:BB", "Home", "Office", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := repo.SetStatus(context.Background(), "AA:BB", ActionRestore)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, a.Status)
	assert.Equal(t, "Office", a.RoomName)

	require.NoError(t, mock.ExpectationsWereMet())
}

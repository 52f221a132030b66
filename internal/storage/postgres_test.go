package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cravewatch/internal/apperr"
	"cravewatch/internal/model"
)

func setupMockPostgres(t *testing.T) (*sql.DB, sqlmock.Sqlmock, Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresDB(db)
}

func TestPostgresGetConsumerByUserID(t *testing.T) {
	db, mock, st := setupMockPostgres(t)
	defer db.Close()

	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "name", "email", "created_at"}).
		AddRow(int64(4), int64(42), "Luis", "luis@example.com", created)
	mock.ExpectQuery(`SELECT .* FROM consumers WHERE user_id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(rows)

	c, err := st.GetConsumerByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.ID)
	assert.Equal(t, "Luis", c.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConsumerNotFound(t *testing.T) {
	db, mock, st := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM consumers WHERE user_id = \$1`).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetConsumerByUserID(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAnalysisConflict(t *testing.T) {
	db, mock, st := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO analyses .* VALUES \(\$1, \$2, \$3, \$4, \$5\)\s+ON CONFLICT \(window_id\) DO NOTHING\s+RETURNING id`).
		WithArgs(int64(9), 0.8, 1, "m", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.CreateAnalysis(context.Background(), model.Analysis{WindowID: 9, Probability: 0.8, UrgeLabel: 1, ModelID: "m"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertReadingsUsesTransaction(t *testing.T) {
	db, mock, st := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO readings`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := st.InsertReadings(context.Background(), []model.Reading{
		{WindowID: 1, HeartRate: 70},
		{WindowID: 1, HeartRate: 71},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteEmptyWindows(t *testing.T) {
	db, mock, st := setupMockPostgres(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM windows`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.DeleteEmptyWindows(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

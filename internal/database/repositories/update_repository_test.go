package repositories

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harborwatch/harborwatch/internal/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

// The version-guarded save must hit the database with both the id and the
// expected version in the WHERE clause.
func TestSaveWithVersionIssuesGuardedUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUpdateRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "updates" SET .+ WHERE \(id = \$\d+ AND version = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u := &models.Update{ID: 7, Status: models.UpdateStatusApproved, Version: 4}
	require.NoError(t, repo.SaveWithVersion(context.Background(), u, 4))
	assert.Equal(t, int64(5), u.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWithVersionZeroRowsIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUpdateRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "updates" SET .+ WHERE \(id = \$\d+ AND version = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	u := &models.Update{ID: 7, Status: models.UpdateStatusApproved, Version: 4}
	err := repo.SaveWithVersion(context.Background(), u, 4)
	assert.ErrorIs(t, err, ErrVersionConflict)
	// The in-memory version rolls back so the caller can re-read and retry.
	assert.Equal(t, int64(4), u.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

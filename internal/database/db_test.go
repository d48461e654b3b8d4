package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestOpen_SQLiteMigratesAndEnforcesDedupKey(t *testing.T) {
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "nested", "mailsync.db"),
	}, logging.Discard())
	require.NoError(t, err)
	defer Close(db)

	for _, table := range []interface{}{&models.EmailAccount{}, &models.Message{}, &models.Job{}, &models.PersonEmail{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}

	first := &models.Message{AccountID: 1, ProviderMessageID: "<a@b>"}
	require.NoError(t, db.Create(first).Error)

	err = db.Create(&models.Message{AccountID: 1, ProviderMessageID: "<a@b>"}).Error
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)

	// same provider id on another account is allowed
	assert.NoError(t, db.Create(&models.Message{AccountID: 2, ProviderMessageID: "<a@b>"}).Error)
}

type legacySchedule struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:100;not null;index:idx_job_schedules_name"`
	JobType string `gorm:"size:50;not null"`
}

func (legacySchedule) TableName() string { return "job_schedules" }

func TestMigrate_ScheduleNamesBecomeUnique(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "legacy.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.AutoMigrate(&legacySchedule{}))
	for _, name := range []string{"periodic-sync", "periodic-sync", "nightly"} {
		require.NoError(t, db.Create(&legacySchedule{Name: name, JobType: models.JobTypePeriodicSync}).Error)
	}

	require.NoError(t, Migrate(db))

	var ids []uint
	require.NoError(t, db.Model(&models.JobSchedule{}).Order("id").Pluck("id", &ids).Error)
	assert.Equal(t, []uint{1, 3}, ids, "oldest row of each name is kept")

	err = db.Create(&models.JobSchedule{Name: "nightly", JobType: models.JobTypePeriodicSync}).Error
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	// GORM pings during initialization
	mock.ExpectPing()

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func TestPing(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectPing()
	assert.NoError(t, Ping(context.Background(), db, time.Second))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, Ping(context.Background(), db, time.Second), sql.ErrConnDone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

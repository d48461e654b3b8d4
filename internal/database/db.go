package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrUnsupportedDriver is returned for an unknown database.driver
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Open opens the configured database and runs migrations
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		// Ensure the directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, err
		}
		// busy_timeout keeps concurrent workers from failing on a locked file
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000")
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
	return Initialize(dialector, log)
}

// Initialize opens a connection over any dialector and migrates it
func Initialize(dialector gorm.Dialector, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logging.GormLevel(log)),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table
func Migrate(db *gorm.DB) error {
	if err := uniqueScheduleNames(db); err != nil {
		return err
	}
	return db.AutoMigrate(
		&models.EmailAccount{},
		&models.Thread{},
		&models.Message{},
		&models.Job{},
		&models.JobSchedule{},
		&models.TrackingEvent{},
		&models.Log{},
		&models.Person{},
		&models.PersonEmail{},
		&models.Lead{},
		&models.Organization{},
		&models.Deal{},
	)
}

// uniqueScheduleNames prepares job_schedules from before names were unique:
// duplicates are dropped, keeping the oldest row, along with the old index.
func uniqueScheduleNames(db *gorm.DB) error {
	m := db.Migrator()
	if !m.HasTable(&models.JobSchedule{}) || m.HasIndex(&models.JobSchedule{}, "idx_job_schedule_name_unique") {
		return nil
	}
	if err := db.Exec("DELETE FROM job_schedules WHERE id NOT IN (SELECT MIN(id) FROM job_schedules GROUP BY name)").Error; err != nil {
		return fmt.Errorf("dedupe job schedules: %w", err)
	}
	if m.HasIndex(&models.JobSchedule{}, "idx_job_schedules_name") {
		if err := m.DropIndex(&models.JobSchedule{}, "idx_job_schedules_name"); err != nil {
			return fmt.Errorf("drop job schedule index: %w", err)
		}
	}
	return nil
}

// Ping checks the connection within timeout
func Ping(ctx context.Context, db *gorm.DB, timeout time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases the pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

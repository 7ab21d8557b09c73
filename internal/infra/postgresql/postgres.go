package postgresql

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewRecordStore connects, migrates the records table and returns the store.
func NewRecordStore(dsn string) (*repository.GormStore, error) {
	db, err := NewPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrations.Migrate(db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("failed to migrate records table: %w", err)
	}
	return repository.NewGormStore(db), nil
}

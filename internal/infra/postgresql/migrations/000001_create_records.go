package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"gorm.io/gorm"
)

func createRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_records",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.RecordModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecordModel{})
		},
	}
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addRecordsUpdatedAtIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_records_updated_at_index",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_records_key_pattern ON records (record_key varchar_pattern_ops)`,
				`CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records (updated_at)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_records_updated_at`,
				`DROP INDEX IF EXISTS idx_records_key_pattern`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

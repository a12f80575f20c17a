package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_context_records",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ContextRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("context_records")
			},
		},
		{
			ID: "002_partition_eviction_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_context_records_partition_epoch
					ON context_records (partition_day, created_at_epoch)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_context_records_partition_epoch`).Error
			},
		},
	})
	return m.Migrate()
}

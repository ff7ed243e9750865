package database

import (
	"github.com/pytake/orchestrator/internal/database/models"
	"gorm.io/gorm"
)

// Migrate auto-migrates the four row-shaped records the core persists.
// Jobs, flows-as-DAGs, and schedules live in the broker and are never
// migrated here.
func Migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return err
	}

	return db.AutoMigrate(
		&models.User{},
		&models.ApiKey{},
		&models.Flow{},
		&models.Webhook{},
	)
}

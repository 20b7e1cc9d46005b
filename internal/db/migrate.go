package db

import (
	"fmt"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by onco.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Delivery{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

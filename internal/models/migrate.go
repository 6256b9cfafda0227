package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate runs database migrations for all engine tables
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&User{},
		&AdminPanel{},
		&CumulativeTrafficRecord{},
		&UsageReport{},
		&ActionLog{},
		&NotificationRecord{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}

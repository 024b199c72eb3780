package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AllModels lists every table the engine owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Campaign{},
		&CampaignStep{},
		&StepVariant{},
		&Lead{},
		&Prospect{},
		&EmailAccount{},
		&EmailLog{},
		&BlockedEmail{},
		&ReplyGuyConfig{},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

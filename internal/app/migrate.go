package app

import (
	"gorm.io/gorm"

	"github.com/mattiacalastri/btc-predictions/internal/model"
)

// AutoMigrate creates or updates the service's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.AuditRecord{},
		&model.BlockCheckpoint{},
		&model.ChainEvent{},
	)
}

package repositories

import (
	"gorm.io/gorm"

	"diagramcollab/internal/models"
)

// MigrateSnapshots creates the only table this service owns.
func MigrateSnapshots(db *gorm.DB) error {
	return db.AutoMigrate(&models.SnapshotRecord{})
}

// MigrateAll also creates the authorization tables. Used for local sqlite
// setups where no dashboard service provisions them.
func MigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.File{},
		&models.Folder{},
		&models.Collaborator{},
		&models.DeletionMarker{},
		&models.SnapshotRecord{},
	)
}

package testhelpers

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"diagramcollab/internal/models"
)

// SetupTestDB creates an isolated in-memory SQLite database for tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(
		&models.File{},
		&models.Folder{},
		&models.Collaborator{},
		&models.DeletionMarker{},
		&models.SnapshotRecord{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Seed inserts fixtures, failing the test on the first error.
func Seed(t *testing.T, db *gorm.DB, records ...any) {
	t.Helper()
	for _, rec := range records {
		if err := db.Create(rec).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", rec, err)
		}
	}
}

// StrPtr is a convenience for optional string columns such as File.FolderID.
func StrPtr(s string) *string { return &s }

// SampleFile returns a file row owned by ownerID.
func SampleFile(id, ownerID string) *models.File {
	return &models.File{ID: id, OwnerID: ownerID, Name: id}
}

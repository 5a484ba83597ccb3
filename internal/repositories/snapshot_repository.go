package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"diagramcollab/internal/models"
)

// SnapshotRepository keeps one snapshot row per file.
type SnapshotRepository struct {
	DB *gorm.DB
}

// LoadLatest returns the stored document, or ok=false if the file was never
// saved.
func (r *SnapshotRepository) LoadLatest(ctx context.Context, fileID string) ([]byte, bool, error) {
	var rec models.SnapshotRecord
	err := r.DB.WithContext(ctx).First(&rec, "file_id = ?", fileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Data, true, nil
}

func (r *SnapshotRepository) Save(ctx context.Context, fileID string, data []byte) error {
	rec := models.SnapshotRecord{FileID: fileID, Data: data, UpdatedAt: time.Now().UTC()}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
}

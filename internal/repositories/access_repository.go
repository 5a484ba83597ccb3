package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"diagramcollab/internal/models"
)

var (
	ErrFileNotFound   = errors.New("file not found")
	ErrFolderNotFound = errors.New("folder not found")
)

// AccessRepository reads the facts the authorization resolver needs. It never
// writes; the tables belong to the dashboard service.
type AccessRepository struct {
	DB *gorm.DB
}

func (r *AccessRepository) FindFile(ctx context.Context, fileID string) (*models.File, error) {
	var file models.File
	err := r.DB.WithContext(ctx).First(&file, "id = ?", fileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// FindCollaborator returns nil without error when the user has no role on the
// file.
func (r *AccessRepository) FindCollaborator(ctx context.Context, fileID, userID string) (*models.Collaborator, error) {
	var collab models.Collaborator
	err := r.DB.WithContext(ctx).
		Where("file_id = ? AND user_id = ?", fileID, userID).
		Take(&collab).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &collab, nil
}

func (r *AccessRepository) HasDeletionMarker(ctx context.Context, fileID, userID string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).
		Model(&models.DeletionMarker{}).
		Where("file_id = ? AND user_id = ?", fileID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *AccessRepository) FindFolder(ctx context.Context, folderID string) (*models.Folder, error) {
	var folder models.Folder
	err := r.DB.WithContext(ctx).First(&folder, "id = ?", folderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

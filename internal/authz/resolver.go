// Package authz decides whether a user may join the live room of a file.
//
// The decision is re-derived from the relational facts on every connection
// attempt. Callers only ever see an AccessDecision or ErrNotFound; a missing
// file and a forbidden file are indistinguishable on purpose.
package authz

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"diagramcollab/internal/models"
	"diagramcollab/internal/repositories"
)

var ErrNotFound = errors.New("file not found")

// Store is the read-only view of the authorization tables.
type Store interface {
	FindFile(ctx context.Context, fileID string) (*models.File, error)
	FindCollaborator(ctx context.Context, fileID, userID string) (*models.Collaborator, error)
	HasDeletionMarker(ctx context.Context, fileID, userID string) (bool, error)
	FindFolder(ctx context.Context, folderID string) (*models.Folder, error)
}

type Resolver struct {
	store Store
	log   *zap.Logger
}

func NewResolver(store Store, log *zap.Logger) *Resolver {
	return &Resolver{store: store, log: log.Named("authz")}
}

// Resolve runs the admission filter. Lookup failures other than "absent" are
// returned wrapped so the caller can log them, but they still deny access.
func (r *Resolver) Resolve(ctx context.Context, userID, fileID string) (models.AccessDecision, error) {
	decision := models.AccessDecision{FileID: fileID, UserID: userID}

	file, err := r.store.FindFile(ctx, fileID)
	if errors.Is(err, repositories.ErrFileNotFound) {
		return models.AccessDecision{}, ErrNotFound
	}
	if err != nil {
		return models.AccessDecision{}, fmt.Errorf("load file: %w", err)
	}
	decision.IsLocked = file.IsLocked
	decision.IsOwner = file.OwnerID == userID

	if !decision.IsOwner {
		collab, err := r.store.FindCollaborator(ctx, fileID, userID)
		if err != nil {
			return models.AccessDecision{}, fmt.Errorf("load collaborator: %w", err)
		}
		if collab == nil || !collab.Role.Valid() {
			return models.AccessDecision{}, ErrNotFound
		}
		decision.Role = collab.Role
	}

	deleted, err := r.store.HasDeletionMarker(ctx, fileID, userID)
	if err != nil {
		return models.AccessDecision{}, fmt.Errorf("load deletion marker: %w", err)
	}
	if deleted {
		return models.AccessDecision{}, ErrNotFound
	}

	decision.FolderActive = true
	if file.FolderID != nil && *file.FolderID != "" {
		folder, err := r.store.FindFolder(ctx, *file.FolderID)
		switch {
		case errors.Is(err, repositories.ErrFolderNotFound):
			// A dangling folder reference hides the file like a trashed folder.
			return models.AccessDecision{}, ErrNotFound
		case err != nil:
			return models.AccessDecision{}, fmt.Errorf("load folder: %w", err)
		case folder.State != models.FolderActive:
			return models.AccessDecision{}, ErrNotFound
		}
	}

	if !decision.Admitted() {
		return models.AccessDecision{}, ErrNotFound
	}
	r.log.Debug("access granted",
		zap.String("user_id", userID),
		zap.String("file_id", fileID),
		zap.Bool("owner", decision.IsOwner),
		zap.String("role", string(decision.Role)),
	)
	return decision, nil
}

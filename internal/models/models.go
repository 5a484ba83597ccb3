package models

import "time"

type Role string

const (
	RoleOwner   Role = "owner"
	RoleEdit    Role = "edit"
	RoleView    Role = "view"
	RoleComment Role = "comment"
)

// Valid reports whether r is one of the known collaborator roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEdit, RoleView, RoleComment:
		return true
	}
	return false
}

type FolderState string

const (
	FolderActive  FolderState = "active"
	FolderTrashed FolderState = "trashed"
)

/*** Authorization facts (owned by the dashboard service, read-only here) ***/

// File is one diagram document.
type File struct {
	ID        string  `gorm:"primaryKey;size:64" json:"id"`
	OwnerID   string  `gorm:"index;size:64;not null" json:"ownerId"`
	FolderID  *string `gorm:"index;size:64" json:"folderId,omitempty"`
	Name      string  `gorm:"size:255" json:"name"`
	IsLocked  bool    `gorm:"not null;default:false" json:"isLocked"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Folder struct {
	ID        string      `gorm:"primaryKey;size:64" json:"id"`
	OwnerID   string      `gorm:"index;size:64;not null" json:"ownerId"`
	Name      string      `gorm:"size:255" json:"name"`
	State     FolderState `gorm:"size:16;not null;default:active" json:"state"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collaborator grants a user a role on a file it does not own.
type Collaborator struct {
	FileID    string `gorm:"primaryKey;size:64" json:"fileId"`
	UserID    string `gorm:"primaryKey;size:64" json:"userId"`
	Role      Role   `gorm:"size:16;not null" json:"role"`
	CreatedAt time.Time
}

// DeletionMarker records that a user moved a file to their own trash.
type DeletionMarker struct {
	FileID    string    `gorm:"primaryKey;size:64" json:"fileId"`
	UserID    string    `gorm:"primaryKey;size:64" json:"userId"`
	DeletedAt time.Time `gorm:"not null" json:"deletedAt"`
}

/*** Persistence ***/

// SnapshotRecord is the last document state written for a file.
type SnapshotRecord struct {
	FileID    string    `gorm:"primaryKey;size:64" json:"fileId"`
	Data      []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (SnapshotRecord) TableName() string { return "snapshots" }

/*** Derived ***/

// AccessDecision is what a user may do with a file, derived fresh on every
// connection attempt.
type AccessDecision struct {
	FileID           string `json:"fileId"`
	UserID           string `json:"userId"`
	IsOwner          bool   `json:"isOwner"`
	Role             Role   `json:"role,omitempty"`
	IsDeletedForUser bool   `json:"isDeletedForUser"`
	FolderActive     bool   `json:"folderActive"`
	IsLocked         bool   `json:"isLocked"`
}

// Admitted reports whether a connection may be attached at all.
func (d AccessDecision) Admitted() bool {
	return (d.IsOwner || d.Role != "") && !d.IsDeletedForUser && d.FolderActive
}

// Readonly is true only for non-owner viewers.
func (d AccessDecision) Readonly() bool {
	return !d.IsOwner && d.Role == RoleView
}

// WriteLocked reports whether edits must be refused because the owner locked
// the file. Owners can always edit.
func (d AccessDecision) WriteLocked() bool {
	return d.IsLocked && !d.IsOwner
}

/*** Introspection ***/

type RoomInfo struct {
	RoomID   string `json:"roomId"`
	FileID   string `json:"fileId"`
	Sessions int    `json:"sessions"`
}

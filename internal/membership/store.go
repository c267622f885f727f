package membership

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrDocumentNotFound indicates that a document is unknown or lives in another workspace.
	ErrDocumentNotFound = errors.New("membership: document not found")
	// ErrStoreUnavailable indicates that the membership store could not answer.
	ErrStoreUnavailable = errors.New("membership: store unavailable")
)

// Record is a row of the external workspace membership table.
type Record struct {
	WorkspaceID string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role        string `gorm:"column:role;size:16;not null"`
}

// TableName binds Record to the membership table.
func (Record) TableName() string {
	return "workspace_members"
}

// Document is a row of the external document directory.
type Document struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID string `gorm:"column:workspace_id;size:190;not null;index"`
}

// TableName binds Document to the document directory table.
func (Document) TableName() string {
	return "documents"
}

// Store performs the raw lookups behind the Authorizer.
type Store interface {
	// LookupRole returns RoleNone with a nil error when no record exists.
	LookupRole(ctx context.Context, workspaceID, userID string) (Role, error)
	// DocumentWorkspace returns ErrDocumentNotFound when the document is unknown.
	DocumentWorkspace(ctx context.Context, documentID string) (string, error)
}

// GormStore reads membership and document rows through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a Store over db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("membership: database handle is required")
	}
	return &GormStore{db: db}, nil
}

// LookupRole implements Store.
func (s *GormStore) LookupRole(ctx context.Context, workspaceID, userID string) (Role, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return ParseRole(record.Role)
}

// DocumentWorkspace implements Store.
func (s *GormStore) DocumentWorkspace(ctx context.Context, documentID string) (string, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return document.WorkspaceID, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-core/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepository persists the last flushed state per document.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Upsert records the flushed state, replacing any prior row.
func (r *SnapshotRepository) Upsert(ctx context.Context, snap *models.DocumentSnapshot) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			UpdateAll: true,
		}).
		Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// Get returns the stored snapshot, or nil if the document has never
// been flushed.
func (r *SnapshotRepository) Get(ctx context.Context, documentID string) (*models.DocumentSnapshot, error) {
	var snap models.DocumentSnapshot
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

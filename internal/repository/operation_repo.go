package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"collab-core/internal/models"
	"collab-core/internal/ot"

	"gorm.io/gorm"
)

/*
LEARNING: OPERATION LOG

Every operation the actor applies is appended here, keyed by
(document, revision). The log serves three purposes:

1. Recovery: snapshot + replay of later rows reproduces the live text
2. Audit trail: who changed what, in applied order
3. Crash safety: a flush that never happened can be reconstructed

Query patterns:
- Append: after each applied operation
- ListSince: replay rows after a snapshot's revision
- PruneBefore: bound growth once a flush has landed
*/

// OperationRepository persists applied operations.
type OperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Append records one applied operation at its assigned revision.
func (r *OperationRepository) Append(ctx context.Context, documentID string, revision uint64, authorID string, op *ot.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	row := &models.AppliedOperation{
		DocumentID: documentID,
		Revision:   revision,
		AuthorID:   authorID,
		Payload:    string(payload),
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

// ListSince returns operations with revision > sinceRevision, in
// revision order. Used to replay on top of a snapshot.
func (r *OperationRepository) ListSince(ctx context.Context, documentID string, sinceRevision uint64) ([]*models.AppliedOperation, error) {
	var rows []*models.AppliedOperation
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND revision > ?", documentID, sinceRevision).
		Order("revision ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return rows, nil
}

// DecodeOperation parses a row's payload back into an operation.
func DecodeOperation(row *models.AppliedOperation) (*ot.Operation, error) {
	var op ot.Operation
	if err := json.Unmarshal([]byte(row.Payload), &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", row.ID, err)
	}
	return &op, nil
}

// Reset drops a document's entire log. Called when a fresh editing
// epoch starts, so replayed rows can never mix revisions from two
// in-memory lifetimes.
func (r *OperationRepository) Reset(ctx context.Context, documentID string) error {
	result := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.AppliedOperation{})
	if result.Error != nil {
		return fmt.Errorf("failed to reset operation log: %w", result.Error)
	}
	return nil
}

// PruneBefore removes operations at or below the given revision.
// Called after a successful flush so the log does not grow without
// bound.
func (r *OperationRepository) PruneBefore(ctx context.Context, documentID string, revision uint64) error {
	result := r.db.WithContext(ctx).
		Where("document_id = ? AND revision <= ?", documentID, revision).
		Delete(&models.AppliedOperation{})
	if result.Error != nil {
		return fmt.Errorf("failed to prune operations: %w", result.Error)
	}
	return nil
}

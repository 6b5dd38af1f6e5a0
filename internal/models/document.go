package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: OPERATION LOG PERSISTENCE

The durable source of truth for document *content* is the external
content store. The rows here are the editing core's own record:

- DocumentSnapshot: the last flushed (revision, content, hash) per
  document, so a restarted server can resume without replaying the
  whole log.
- AppliedOperation: one row per operation the actor applied, in
  revision order. Replaying the rows after a snapshot's revision must
  reproduce the live text exactly - that equivalence is tested.

Why keep a log at all when the store has the text? Recovery after a
failed flush, and an audit trail of who changed what.
*/

// DocumentSnapshot is the last persisted state of a document.
type DocumentSnapshot struct {
	DocumentID  string    `gorm:"type:varchar(64);primaryKey" json:"document_id"`
	Revision    uint64    `gorm:"not null" json:"revision"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	ContentHash string    `gorm:"type:char(64);not null" json:"content_hash"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// AppliedOperation is one reconciled operation, recorded after the
// actor applied it. Payload is the compact JSON encoding of the op.
type AppliedOperation struct {
	ID         string    `gorm:"type:char(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;index:idx_doc_rev" json:"document_id"`
	Revision   uint64    `gorm:"not null;index:idx_doc_rev" json:"revision"`
	AuthorID   string    `gorm:"type:char(27);not null" json:"author_id"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (a *AppliedOperation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (AppliedOperation) TableName() string {
	return "applied_operations"
}

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Common errors.
var (
	ErrDocumentNotFound = errors.New("document not found in content store")
)

// SaveResult reports the outcome of a conditional save.
type SaveResult struct {
	NewHash string

	// HashMismatch is set when the store's contents at write time did
	// not match the caller's expected prior hash, meaning the document
	// was modified outside the editing session. The save still goes
	// through (the live in-memory text is authoritative); PriorContent
	// carries what was overwritten so it can be logged for manual
	// recovery.
	HashMismatch bool
	PriorContent string
}

// ContentStore abstracts the external durable store for document text.
// It is the collaborator that actually commits to version control;
// this core only reads an initial snapshot and writes back flushes.
// Writes are single-writer per document (only the owning document's
// persistence manager calls Save).
type ContentStore interface {
	// Load returns the current text and its content hash.
	// Returns ErrDocumentNotFound if the document has never been saved.
	Load(ctx context.Context, documentID string) (text, hash string, err error)

	// Save writes text for the document. expectedPriorHash is the hash
	// recorded at the last successful Load or Save; a mismatch is
	// reported in the result, not returned as an error.
	Save(ctx context.Context, documentID, text, expectedPriorHash string) (SaveResult, error)
}

// HashContent computes the content hash used throughout the store
// layer (hex sha256).
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

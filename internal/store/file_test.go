package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFileStoreLoadMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	assert.Equal(t, err, nil)

	_, _, err = fs.Load(context.Background(), "nope")
	assert.Equal(t, err, ErrDocumentNotFound)
}

func TestFileStoreSaveLoadRoundtrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	assert.Equal(t, err, nil)

	result, err := fs.Save(context.Background(), "doc1", "héllo wörld", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.HashMismatch, false)
	assert.Equal(t, result.NewHash, HashContent("héllo wörld"))

	text, hash, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "héllo wörld")
	assert.Equal(t, hash, result.NewHash)
}

func TestFileStoreDetectsExternalModification(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root)
	assert.Equal(t, err, nil)

	first, err := fs.Save(context.Background(), "doc1", "version one", "")
	assert.Equal(t, err, nil)

	err = os.WriteFile(filepath.Join(root, "doc1.md"), []byte("edited elsewhere"), 0o644)
	assert.Equal(t, err, nil)

	// The save still wins, but the caller learns what it overwrote.
	result, err := fs.Save(context.Background(), "doc1", "version two", first.NewHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.HashMismatch, true)
	assert.Equal(t, result.PriorContent, "edited elsewhere")

	text, _, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "version two")
}

func TestFileStoreMatchingHashIsQuiet(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	assert.Equal(t, err, nil)

	first, err := fs.Save(context.Background(), "doc1", "stable", "")
	assert.Equal(t, err, nil)

	result, err := fs.Save(context.Background(), "doc1", "stable v2", first.NewHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.HashMismatch, false)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	assert.Equal(t, err, nil)

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		_, _, err := fs.Load(context.Background(), id)
		assert.NotEqual(t, err, nil)
		_, err = fs.Save(context.Background(), id, "x", "")
		assert.NotEqual(t, err, nil)
	}
}

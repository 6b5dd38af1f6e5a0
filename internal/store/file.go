package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each document as one file under a root directory,
// named <id>.md. This mirrors the content tree the external
// version-control collaborator commits.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (fs *FileStore) path(documentID string) (string, error) {
	// Document ids are KSUIDs or slugs; reject anything that could
	// escape the root.
	if documentID == "" || strings.ContainsAny(documentID, "/\\") || strings.Contains(documentID, "..") {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return filepath.Join(fs.root, documentID+".md"), nil
}

// Load reads the document file and hashes its contents.
func (fs *FileStore) Load(ctx context.Context, documentID string) (string, string, error) {
	p, err := fs.path(documentID)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrDocumentNotFound
		}
		return "", "", fmt.Errorf("read %s: %w", p, err)
	}
	text := string(data)
	return text, HashContent(text), nil
}

// Save writes atomically (temp file + rename) so a crash mid-flush
// never leaves a truncated document behind.
func (fs *FileStore) Save(ctx context.Context, documentID, text, expectedPriorHash string) (SaveResult, error) {
	p, err := fs.path(documentID)
	if err != nil {
		return SaveResult{}, err
	}

	result := SaveResult{NewHash: HashContent(text)}

	// Compare what is on disk against what we last saw there.
	if data, err := os.ReadFile(p); err == nil {
		if prior := string(data); HashContent(prior) != expectedPriorHash && expectedPriorHash != "" {
			result.HashMismatch = true
			result.PriorContent = prior
		}
	} else if !os.IsNotExist(err) {
		return SaveResult{}, fmt.Errorf("read %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(fs.root, "."+documentID+".flush-*")
	if err != nil {
		return SaveResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return SaveResult{}, fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return SaveResult{}, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return SaveResult{}, fmt.Errorf("rename into place: %w", err)
	}
	return result, nil
}

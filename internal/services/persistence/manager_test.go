package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/ot"
	"collab-core/internal/store"

	"github.com/go-playground/assert/v2"
)

type recordingWarner struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (w *recordingWarner) BroadcastMessage(documentID string, msg *models.Message, exceptSessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
}

func (w *recordingWarner) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func newTestManager(t *testing.T) (*Manager, *store.FileStore, *recordingWarner, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewFileStore(root)
	assert.Equal(t, err, nil)
	m := NewManager(fs, nil, nil, 50*time.Millisecond, 200)
	w := &recordingWarner{}
	m.SetWarner(w)
	return m, fs, w, root
}

func TestFlushWritesSnapshotToStore(t *testing.T) {
	m, fs, w, _ := newTestManager(t)

	m.Track("doc1", "", 0, "")
	op := ot.New().Insert("hello")
	m.OnApplied("doc1", 1, "s1", op, "hello")

	err := m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)

	text, _, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "hello")
	assert.Equal(t, w.count(), 0)
}

func TestFlushSkipsCleanDocument(t *testing.T) {
	m, fs, _, _ := newTestManager(t)

	m.Track("doc1", "loaded", 0, store.HashContent("loaded"))
	err := m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)

	// Nothing was dirty, so nothing was written.
	_, _, err = fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, store.ErrDocumentNotFound)
}

func TestFlushHashMismatchWarnsOnceAndOverwrites(t *testing.T) {
	m, fs, w, root := newTestManager(t)

	// Initial load/flush cycle establishes the recorded hash.
	m.Track("doc1", "original", 0, "")
	m.OnApplied("doc1", 1, "s1", ot.New().Insert("original"), "original")
	err := m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, w.count(), 0)

	// The file changes outside the editing session.
	err = os.WriteFile(filepath.Join(root, "doc1.md"), []byte("external edit"), 0o644)
	assert.Equal(t, err, nil)

	// Next flush still succeeds - the live version overwrites - and
	// the mismatch is surfaced exactly once.
	m.OnApplied("doc1", 2, "s1", ot.New().Retain(8).Insert("!"), "original!")
	err = m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)

	text, _, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "original!")

	assert.Equal(t, w.count(), 1)
	assert.Equal(t, w.msgs[0].Type, models.MessageTypeWarning)

	// A further clean flush does not re-report the old mismatch.
	m.OnApplied("doc1", 3, "s1", ot.New().Retain(9).Insert("!"), "original!!")
	err = m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, w.count(), 1)
}

type failingStore struct {
	fails int
	calls int
	inner store.ContentStore
}

func (f *failingStore) Load(ctx context.Context, id string) (string, string, error) {
	return f.inner.Load(ctx, id)
}

func (f *failingStore) Save(ctx context.Context, id, text, expected string) (store.SaveResult, error) {
	f.calls++
	if f.calls <= f.fails {
		return store.SaveResult{}, os.ErrPermission
	}
	return f.inner.Save(ctx, id, text, expected)
}

func TestFlushRetriesWithBackoff(t *testing.T) {
	root := t.TempDir()
	fs, err := store.NewFileStore(root)
	assert.Equal(t, err, nil)
	failing := &failingStore{fails: 2, inner: fs}

	m := NewManager(failing, nil, nil, 50*time.Millisecond, 200)
	w := &recordingWarner{}
	m.SetWarner(w)

	m.Track("doc1", "", 0, "")
	m.OnApplied("doc1", 1, "s1", ot.New().Insert("persist me"), "persist me")

	err = m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, failing.calls, 3)

	text, _, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "persist me")
}

func TestFlushFailureWarnsAndKeepsDirty(t *testing.T) {
	root := t.TempDir()
	fs, err := store.NewFileStore(root)
	assert.Equal(t, err, nil)
	failing := &failingStore{fails: 100, inner: fs}

	m := NewManager(failing, nil, nil, 50*time.Millisecond, 200)
	w := &recordingWarner{}
	m.SetWarner(w)

	m.Track("doc1", "", 0, "")
	m.OnApplied("doc1", 1, "s1", ot.New().Insert("unsaved"), "unsaved")

	err = m.FlushNow(context.Background(), "doc1")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, w.count(), 1)

	// The document stays flushable: once the store recovers, the same
	// state goes out.
	failing.fails = 0
	failing.calls = 0
	err = m.FlushNow(context.Background(), "doc1")
	assert.Equal(t, err, nil)

	text, _, err := fs.Load(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "unsaved")
}

func TestIdleTriggersImmediateFlush(t *testing.T) {
	m, fs, _, _ := newTestManager(t)
	m.Start()
	defer m.Shutdown()

	m.Track("doc1", "", 0, "")
	m.OnApplied("doc1", 1, "s1", ot.New().Insert("bye"), "bye")
	m.OnIdle("doc1", 1, "bye")

	// The flush worker picks the request up asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if text, _, err := fs.Load(context.Background(), "doc1"); err == nil {
			assert.Equal(t, text, "bye")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("document was not flushed after going idle")
}

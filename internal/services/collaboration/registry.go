package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/repository"
	"collab-core/internal/store"
)

// Flusher is what the registry needs from the persistence manager:
// track a freshly loaded document and force-flush one on eviction.
type Flusher interface {
	Track(documentID, text string, revision uint64, contentHash string)
	FlushNow(ctx context.Context, documentID string) error
	Forget(documentID string)
}

// Registry holds one running actor per open document and evicts idle
// ones after the grace period.
type Registry struct {
	mu      sync.Mutex
	actors  map[string]*DocumentActor
	idleTag map[string]time.Time // document id -> when its last session left

	contentStore store.ContentStore
	snapRepo     *repository.SnapshotRepository
	opRepo       *repository.OperationRepository

	broadcaster Broadcaster
	observer    MutationObserver
	flusher     Flusher

	historyLimit int
	idleGrace    time.Duration

	done chan struct{}
}

// NewRegistry creates a registry. snapRepo and opRepo may be nil when
// running without a database (tests, local mode).
func NewRegistry(cs store.ContentStore, snapRepo *repository.SnapshotRepository, opRepo *repository.OperationRepository,
	broadcaster Broadcaster, observer MutationObserver, flusher Flusher,
	historyLimit int, idleGrace time.Duration) *Registry {
	return &Registry{
		actors:       make(map[string]*DocumentActor),
		idleTag:      make(map[string]time.Time),
		contentStore: cs,
		snapRepo:     snapRepo,
		opRepo:       opRepo,
		broadcaster:  broadcaster,
		observer:     observer,
		flusher:      flusher,
		historyLimit: historyLimit,
		idleGrace:    idleGrace,
		done:         make(chan struct{}),
	}
}

// Start begins the idle eviction loop.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

// Open returns the running actor for a document, loading it on first
// open. The snapshot comes from the content store; if the store has
// nothing (crash before a first flush landed), recovery falls back to
// the persisted snapshot plus operation-log replay.
func (r *Registry) Open(ctx context.Context, documentID string) (*DocumentActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[documentID]; ok {
		delete(r.idleTag, documentID)
		return actor, nil
	}

	text, hash, err := r.load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	// Each in-memory lifetime is a fresh editing epoch: revision
	// restarts at 0 over the loaded text, so the journal is reset to
	// match before any operation lands.
	if r.snapRepo != nil {
		if err := r.snapRepo.Upsert(ctx, &models.DocumentSnapshot{
			DocumentID:  documentID,
			Revision:    0,
			Content:     text,
			ContentHash: hash,
		}); err != nil {
			log.Printf("⚠️  Document %s: failed to reset snapshot row: %v", documentID, err)
		}
	}
	if r.opRepo != nil {
		if err := r.opRepo.Reset(ctx, documentID); err != nil {
			log.Printf("⚠️  Document %s: failed to reset operation log: %v", documentID, err)
		}
	}

	actor := NewDocumentActor(documentID, text, r.historyLimit, r.broadcaster, r.observer)
	go actor.Run()
	r.actors[documentID] = actor

	if r.flusher != nil {
		r.flusher.Track(documentID, text, 0, hash)
	}

	log.Printf("✓ Document %s loaded (%d bytes)", documentID, len(text))
	return actor, nil
}

func (r *Registry) load(ctx context.Context, documentID string) (string, string, error) {
	text, hash, err := r.contentStore.Load(ctx, documentID)
	if err == nil {
		return text, hash, nil
	}
	if !errors.Is(err, store.ErrDocumentNotFound) {
		return "", "", fmt.Errorf("load document %s: %w", documentID, err)
	}

	// New document, unless the journal knows better.
	if r.snapRepo != nil && r.opRepo != nil {
		snap, err := r.snapRepo.Get(ctx, documentID)
		if err != nil {
			return "", "", err
		}
		if snap != nil {
			text, err := r.replay(ctx, documentID, snap)
			if err != nil {
				return "", "", err
			}
			log.Printf("⚠️  Document %s: content store empty, recovered from journal", documentID)
			return text, store.HashContent(text), nil
		}
	}
	return "", "", nil
}

// replay rebuilds text from a snapshot plus the logged operations
// after its revision.
func (r *Registry) replay(ctx context.Context, documentID string, snap *models.DocumentSnapshot) (string, error) {
	rows, err := r.opRepo.ListSince(ctx, documentID, snap.Revision)
	if err != nil {
		return "", err
	}
	text := snap.Content
	for _, row := range rows {
		op, err := repository.DecodeOperation(row)
		if err != nil {
			return "", err
		}
		if text, err = op.Apply(text); err != nil {
			return "", fmt.Errorf("replay %s at revision %d: %w", documentID, row.Revision, err)
		}
	}
	return text, nil
}

// Get returns a running actor without loading.
func (r *Registry) Get(documentID string) (*DocumentActor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.actors[documentID]
	return actor, ok
}

// Release marks a document as having zero sessions; the eviction loop
// archives it once the grace period passes without a reopen.
func (r *Registry) Release(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[documentID]; ok {
		r.idleTag[documentID] = time.Now()
	}
}

func (r *Registry) evictIdle() {
	r.mu.Lock()
	var evict []*DocumentActor
	now := time.Now()
	for id, since := range r.idleTag {
		if now.Sub(since) >= r.idleGrace {
			if actor, ok := r.actors[id]; ok {
				evict = append(evict, actor)
				delete(r.actors, id)
			}
			delete(r.idleTag, id)
		}
	}
	r.mu.Unlock()

	for _, actor := range evict {
		r.archive(actor)
	}
}

func (r *Registry) archive(actor *DocumentActor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r.flusher != nil {
		if err := r.flusher.FlushNow(ctx, actor.ID()); err != nil {
			log.Printf("⚠️  Document %s: flush on eviction failed: %v", actor.ID(), err)
		}
		r.flusher.Forget(actor.ID())
	}
	actor.Stop()
	log.Printf("✓ Document %s archived", actor.ID())
}

// Shutdown flushes and stops every open document.
func (r *Registry) Shutdown() {
	close(r.done)

	r.mu.Lock()
	actors := make([]*DocumentActor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.actors = make(map[string]*DocumentActor)
	r.idleTag = make(map[string]time.Time)
	r.mu.Unlock()

	for _, actor := range actors {
		r.archive(actor)
	}
	log.Println("✓ Document registry shutdown complete")
}

package persistence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/ot"
	"collab-core/internal/repository"
	"collab-core/internal/store"
)

/*
LEARNING: DEBOUNCED, CRASH-SAFE FLUSH

The manager observes every applied operation and writes the document
back to the external content store on whichever trigger fires first:

  - the document has been quiet for the debounce interval (default 5s)
  - enough operations piled up since the last flush (default 200)
  - the document went idle (its last session detached)

It only ever holds immutable snapshot strings handed over by the
actor, never the live text, so flushing cannot race ongoing edits.

Before writing, the store compares its current contents against the
hash recorded at the last successful load/flush. A mismatch means the
file was edited outside the session; policy is warn-and-overwrite -
the in-memory version is the authoritative live edit - with the
previous contents logged for manual recovery.
*/

const (
	defaultDebounce    = 5 * time.Second
	defaultOpThreshold = 200
	defaultMaxRetries  = 5
	journalBufferSize  = 1024
)

// Warner surfaces persistence problems to a document's attached
// sessions so data loss is never silent. Implemented by the session
// manager.
type Warner interface {
	BroadcastMessage(documentID string, msg *models.Message, exceptSessionID string)
}

// flushState is the per-document bookkeeping. text/revision are the
// latest snapshot from the actor; lastHash is the store-side hash
// recorded at the last successful load or flush.
type flushState struct {
	text            string
	revision        uint64
	flushedRevision uint64
	lastHash        string
	lastMutation    time.Time
	dirty           bool
	inFlight        bool
}

type journalEntry struct {
	documentID string
	revision   uint64
	authorID   string
	op         *ot.Operation
}

// Manager debounces and executes document flushes.
type Manager struct {
	contentStore store.ContentStore
	snapRepo     *repository.SnapshotRepository
	opRepo       *repository.OperationRepository
	warner       Warner

	debounce    time.Duration
	opThreshold uint64
	maxRetries  int

	mu   sync.Mutex
	docs map[string]*flushState

	journal  chan journalEntry
	flushReq chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a persistence manager. snapRepo and opRepo may be
// nil when running without a database.
func NewManager(cs store.ContentStore, snapRepo *repository.SnapshotRepository, opRepo *repository.OperationRepository,
	debounce time.Duration, opThreshold int) *Manager {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if opThreshold <= 0 {
		opThreshold = defaultOpThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		contentStore: cs,
		snapRepo:     snapRepo,
		opRepo:       opRepo,
		debounce:     debounce,
		opThreshold:  uint64(opThreshold),
		maxRetries:   defaultMaxRetries,
		docs:         make(map[string]*flushState),
		journal:      make(chan journalEntry, journalBufferSize),
		flushReq:     make(chan string, 64),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetWarner wires the session manager for failure/mismatch warnings.
func (m *Manager) SetWarner(w Warner) {
	m.warner = w
}

// Start spawns the journal worker, the debounce ticker and the flush
// worker.
func (m *Manager) Start() {
	log.Println("🔧 Starting persistence manager...")

	m.wg.Add(1)
	go m.journalWorker()

	m.wg.Add(1)
	go m.tickLoop()

	m.wg.Add(1)
	go m.flushWorker()

	log.Println("✓ Persistence manager started")
}

// Track registers a freshly loaded document in a clean state.
func (m *Manager) Track(documentID, text string, revision uint64, contentHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[documentID] = &flushState{
		text:            text,
		revision:        revision,
		flushedRevision: revision,
		lastHash:        contentHash,
		lastMutation:    time.Now(),
	}
}

// Forget drops a document's state after eviction.
func (m *Manager) Forget(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
}

// OnApplied implements the actor's mutation observer: record the new
// snapshot and journal the operation.
func (m *Manager) OnApplied(documentID string, revision uint64, authorID string, op *ot.Operation, text string) {
	m.mu.Lock()
	if st, ok := m.docs[documentID]; ok {
		st.text = text
		st.revision = revision
		st.lastMutation = time.Now()
		st.dirty = true
	}
	m.mu.Unlock()

	if m.opRepo == nil {
		return
	}
	select {
	case m.journal <- journalEntry{documentID, revision, authorID, op}:
	default:
		// The journal is a recovery aid; the content store stays the
		// source of truth, so shedding under backpressure beats
		// stalling the actor.
		log.Printf("⚠️  Journal buffer full, dropping operation %d for document %s", revision, documentID)
	}
}

// OnIdle implements the mutation observer: the last session left, so
// the document flushes without waiting for the debounce.
func (m *Manager) OnIdle(documentID string, revision uint64, text string) {
	m.mu.Lock()
	if st, ok := m.docs[documentID]; ok {
		st.text = text
		st.revision = revision
		if st.revision != st.flushedRevision {
			st.dirty = true
		}
	}
	m.mu.Unlock()
	m.requestFlush(documentID)
}

func (m *Manager) requestFlush(documentID string) {
	select {
	case m.flushReq <- documentID:
	case <-m.ctx.Done():
	}
}

// tickLoop checks the debounce and op-count triggers twice a second.
func (m *Manager) tickLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var due []string
			m.mu.Lock()
			for id, st := range m.docs {
				if !st.dirty || st.inFlight {
					continue
				}
				if now.Sub(st.lastMutation) >= m.debounce || st.revision-st.flushedRevision >= m.opThreshold {
					due = append(due, id)
				}
			}
			m.mu.Unlock()
			for _, id := range due {
				m.requestFlush(id)
			}
		}
	}
}

func (m *Manager) flushWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case documentID := <-m.flushReq:
			if err := m.FlushNow(m.ctx, documentID); err != nil {
				log.Printf("⚠️  Flush failed for document %s: %v", documentID, err)
			}
		}
	}
}

// FlushNow writes a document's latest snapshot to the content store,
// retrying with exponential backoff. The document stays fully usable
// in memory throughout; a terminal failure is surfaced to the attached
// sessions as a warning.
func (m *Manager) FlushNow(ctx context.Context, documentID string) error {
	m.mu.Lock()
	st, ok := m.docs[documentID]
	if !ok || st.inFlight || (!st.dirty && st.revision == st.flushedRevision) {
		m.mu.Unlock()
		return nil
	}
	st.inFlight = true
	text, revision, expected := st.text, st.revision, st.lastHash
	m.mu.Unlock()

	result, err := m.saveWithRetry(ctx, documentID, text, expected)

	m.mu.Lock()
	st.inFlight = false
	if err == nil {
		st.lastHash = result.NewHash
		st.flushedRevision = revision
		st.dirty = st.revision != revision
	}
	m.mu.Unlock()

	if err != nil {
		m.warn(documentID, "document could not be saved; your edits are safe in memory and will be retried")
		return err
	}

	if result.HashMismatch {
		// Recorded exactly once per detected conflict, with the
		// overwritten content preserved in the log for manual recovery.
		log.Printf("⚠️  Document %s was modified outside the editing session; overwrote with the live version. "+
			"Previous content (%d bytes, hash %s): %.200q",
			documentID, len(result.PriorContent), store.HashContent(result.PriorContent), result.PriorContent)
		m.warn(documentID, "the stored file changed outside this session and was overwritten with the live version")
	}

	if m.snapRepo != nil {
		if err := m.snapRepo.Upsert(ctx, &models.DocumentSnapshot{
			DocumentID:  documentID,
			Revision:    revision,
			Content:     text,
			ContentHash: result.NewHash,
		}); err != nil {
			log.Printf("⚠️  Document %s: failed to persist snapshot row: %v", documentID, err)
		}
	}
	if m.opRepo != nil {
		if err := m.opRepo.PruneBefore(ctx, documentID, revision); err != nil {
			log.Printf("⚠️  Document %s: failed to prune operation log: %v", documentID, err)
		}
	}

	log.Printf("  Flushed document %s at revision %d (%d bytes)", documentID, revision, len(text))
	return nil
}

func (m *Manager) saveWithRetry(ctx context.Context, documentID, text, expected string) (store.SaveResult, error) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return store.SaveResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		result, err := m.contentStore.Save(ctx, documentID, text, expected)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("  Flush attempt %d/%d for document %s failed: %v", attempt+1, m.maxRetries, documentID, err)
	}
	return store.SaveResult{}, fmt.Errorf("flush %s after %d attempts: %w", documentID, m.maxRetries, lastErr)
}

func (m *Manager) warn(documentID, reason string) {
	if m.warner == nil {
		return
	}
	m.warner.BroadcastMessage(documentID, &models.Message{
		Type:       models.MessageTypeWarning,
		DocumentID: documentID,
		Reason:     reason,
	}, "")
}

// journalWorker appends applied operations to the database log.
func (m *Manager) journalWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			// Drain what is already buffered before exiting.
			for {
				select {
				case e := <-m.journal:
					m.appendJournal(e)
				default:
					return
				}
			}
		case e := <-m.journal:
			m.appendJournal(e)
		}
	}
}

func (m *Manager) appendJournal(e journalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opRepo.Append(ctx, e.documentID, e.revision, e.authorID, e.op); err != nil {
		log.Printf("⚠️  Failed to journal operation %d for document %s: %v", e.revision, e.documentID, err)
	}
}

// Shutdown flushes every dirty document and stops the workers.
func (m *Manager) Shutdown() {
	log.Println("🛑 Shutting down persistence manager...")

	m.mu.Lock()
	var dirty []string
	for id, st := range m.docs {
		if st.dirty || st.revision != st.flushedRevision {
			dirty = append(dirty, id)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, id := range dirty {
		if err := m.FlushNow(ctx, id); err != nil {
			log.Printf("⚠️  Final flush failed for document %s: %v", id, err)
		}
	}

	m.cancel()
	m.wg.Wait()
	log.Println("✓ Persistence manager shutdown complete")
}
